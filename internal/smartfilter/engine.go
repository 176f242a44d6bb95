package smartfilter

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/timujinne/email-checker-sub002/internal/domain"
)

// genericTLDs never count as a country match for the email-quality bonus.
var genericTLDs = map[string]bool{
	"com": true, "net": true, "org": true, "info": true, "biz": true,
}

// personalProviders is the built-in catalogue of consumer mailbox domains.
// Config personal_domains extend the hard exclusions; this set only affects
// the email-quality component.
var personalProviders = map[string]bool{
	"gmail.com": true, "googlemail.com": true, "yahoo.com": true,
	"yahoo.de": true, "yahoo.fr": true, "yahoo.co.uk": true,
	"hotmail.com": true, "hotmail.de": true, "outlook.com": true,
	"outlook.de": true, "live.com": true, "aol.com": true,
	"gmx.de": true, "gmx.net": true, "gmx.at": true, "gmx.ch": true,
	"web.de": true, "t-online.de": true, "freenet.de": true,
	"icloud.com": true, "me.com": true, "mail.ru": true, "yandex.ru": true,
	"protonmail.com": true, "proton.me": true,
}

// Engine is a FilterConfig compiled for scoring. Build once, use from any
// number of goroutines.
type Engine struct {
	cfg    *FilterConfig
	fold   cases.Caser
	folded struct {
		servicePrefixes  map[string]bool
		personalDomains  map[string]bool
		excludedTLDs     map[string]bool
		rolePrefixes     map[string]bool
		exclusions       map[string]foldedCategory
		industryKeywords IndustryKeywords
		geo              GeoPriorities
	}
	suspicious []*regexp.Regexp
	bonuses    []compiledBonus
	targetTLD  string
}

// countryTLDs maps the country names configs commonly carry to their ccTLD,
// so target_country works spelled out or as the two-letter code.
var countryTLDs = map[string]string{
	"germany": "de", "deutschland": "de",
	"austria": "at", "österreich": "at", "oesterreich": "at",
	"switzerland": "ch", "schweiz": "ch",
	"czech republic": "cz", "czechia": "cz", "česko": "cz", "cesko": "cz",
	"poland": "pl", "polska": "pl",
	"france": "fr",
	"italy":  "it", "italia": "it",
	"spain": "es", "españa": "es", "espana": "es",
	"netherlands": "nl", "nederland": "nl",
	"belgium": "be",
	"denmark": "dk", "danmark": "dk",
	"sweden": "se", "sverige": "se",
	"norway": "no", "norge": "no",
	"finland": "fi", "suomi": "fi",
	"united kingdom": "uk", "great britain": "uk",
	"slovakia": "sk", "slovensko": "sk",
	"hungary": "hu", "magyarország": "hu",
}

// resolveTargetTLD accepts a ccTLD verbatim or a country name via countryTLDs.
func resolveTargetTLD(target string) string {
	t := strings.ToLower(strings.TrimSpace(target))
	if len(t) == 2 {
		return t
	}
	return countryTLDs[t]
}

type foldedCategory struct {
	domainPatterns []string
	emailPrefixes  map[string]bool
}

type compiledBonus struct {
	name       string
	multiplier float64
	terms      []string
}

// NewEngine compiles a validated config.
func NewEngine(cfg *FilterConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, fold: cases.Fold(), targetTLD: resolveTargetTLD(cfg.TargetCountry)}
	e.folded.servicePrefixes = e.foldSet(cfg.ServicePrefixes)
	e.folded.personalDomains = e.foldSet(cfg.PersonalDomains)
	e.folded.excludedTLDs = e.foldSet(cfg.ExcludedCountryDomains)
	e.folded.rolePrefixes = e.foldSet(cfg.RolePrefixes)

	e.folded.exclusions = make(map[string]foldedCategory, len(cfg.Exclusions))
	for name, cat := range cfg.Exclusions {
		e.folded.exclusions[name] = foldedCategory{
			domainPatterns: e.foldSlice(cat.DomainPatterns),
			emailPrefixes:  e.foldSet(cat.EmailPrefixes),
		}
	}

	e.folded.industryKeywords = IndustryKeywords{
		Primary:   e.foldSlice(cfg.IndustryKeywords.Primary),
		Secondary: e.foldSlice(cfg.IndustryKeywords.Secondary),
		Processes: e.foldSlice(cfg.IndustryKeywords.Processes),
		Materials: e.foldSlice(cfg.IndustryKeywords.Materials),
		Negative:  e.foldSlice(cfg.IndustryKeywords.Negative),
	}
	e.folded.geo = GeoPriorities{
		High:   e.foldSlice(cfg.GeoPriorities.High),
		Medium: e.foldSlice(cfg.GeoPriorities.Medium),
		Low:    e.foldSlice(cfg.GeoPriorities.Low),
	}

	for _, pat := range cfg.SuspiciousRegexes {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, &InvalidConfigError{Check: fmt.Sprintf("suspicious_regex %q: %v", pat, err)}
		}
		e.suspicious = append(e.suspicious, re)
	}
	for _, b := range cfg.Bonuses {
		e.bonuses = append(e.bonuses, compiledBonus{
			name:       b.Name,
			multiplier: b.Multiplier,
			terms:      e.foldSlice(b.Terms),
		})
	}
	return e, nil
}

func (e *Engine) foldSet(in []string) map[string]bool {
	out := make(map[string]bool, len(in))
	for _, s := range in {
		out[e.fold.String(strings.TrimSpace(s))] = true
	}
	return out
}

func (e *Engine) foldSlice(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, e.fold.String(strings.TrimSpace(s)))
	}
	return out
}

// Score evaluates one address. Hard exclusions are checked first; scoring
// only runs for addresses that pass them all. The context bounds the
// suspicious-regex phase.
func (e *Engine) Score(ctx context.Context, address string, md *domain.Metadata) domain.ScoreResult {
	res := domain.ScoreResult{Address: address}
	local := domain.AddressLocal(address)
	dom := domain.AddressDomain(address)
	tld := lastLabel(dom)

	if reasons := e.hardExclusions(ctx, address, local, dom, tld); len(reasons) > 0 {
		res.Priority = domain.PriorityExcluded
		res.ExclusionReasons = reasons
		return res
	}

	metaText := e.metadataText(md)

	b := domain.ScoreBreakdown{
		EmailQuality:       e.emailQuality(local, dom, tld),
		CompanyRelevance:   e.companyRelevance(dom, metaText),
		GeographicPriority: e.geographicPriority(dom, tld, md),
		Engagement:         e.engagement(md),
		BonusProduct:       1.0,
	}

	raw := e.cfg.Weights.EmailQuality*b.EmailQuality +
		e.cfg.Weights.CompanyRelevance*b.CompanyRelevance +
		e.cfg.Weights.GeographicPriority*b.GeographicPriority +
		e.cfg.Weights.Engagement*b.Engagement

	haystack := e.fold.String(dom) + " " + metaText
	for _, bonus := range e.bonuses {
		if containsAny(haystack, bonus.terms) {
			b.Bonuses = append(b.Bonuses, domain.AppliedBonus{
				Name: bonus.name, Multiplier: bonus.multiplier,
			})
			b.BonusProduct *= bonus.multiplier
		}
	}
	if ceiling := e.cfg.bonusCap(); b.BonusProduct > ceiling {
		b.BonusProduct = ceiling
	}

	res.RawScore = raw
	res.FinalScore = raw * b.BonusProduct
	res.Breakdown = b

	switch {
	case res.FinalScore >= float64(e.cfg.Thresholds.High):
		res.Priority = domain.PriorityHigh
	case res.FinalScore >= float64(e.cfg.Thresholds.Medium):
		res.Priority = domain.PriorityMedium
	case res.FinalScore >= float64(e.cfg.Thresholds.Low):
		res.Priority = domain.PriorityLow
	default:
		res.Priority = domain.PriorityExcluded
		res.ExclusionReasons = []string{"below-threshold"}
	}
	return res
}

// hardExclusions returns every reason that fires, not just the first.
func (e *Engine) hardExclusions(ctx context.Context, address, local, dom, tld string) []string {
	var reasons []string
	flocal := e.fold.String(local)
	fdom := e.fold.String(dom)

	if e.folded.servicePrefixes[flocal] {
		reasons = append(reasons, "service_prefix:"+flocal)
	}
	names := make([]string, 0, len(e.folded.exclusions))
	for name := range e.folded.exclusions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cat := e.folded.exclusions[name]
		if cat.emailPrefixes[flocal] {
			reasons = append(reasons, name+":email_prefix:"+flocal)
		}
		for _, pat := range cat.domainPatterns {
			if strings.Contains(fdom, pat) {
				reasons = append(reasons, name+":domain_pattern:"+pat)
				break
			}
		}
	}

	if e.folded.personalDomains[fdom] {
		reasons = append(reasons, "personal_domain:"+fdom)
	}
	if e.folded.excludedTLDs[tld] {
		reasons = append(reasons, "excluded_country_tld:"+tld)
	}

	for _, re := range e.suspicious {
		// Pathological patterns are bounded by the per-record budget.
		if ctx.Err() != nil {
			reasons = append(reasons, "suspicious_regex:timeout")
			break
		}
		if re.MatchString(address) {
			reasons = append(reasons, "suspicious_regex:"+re.String())
		}
	}
	return reasons
}

func (e *Engine) emailQuality(local, dom, tld string) float64 {
	score := 0.0
	if !personalProviders[dom] {
		score += 40
	}
	if e.folded.rolePrefixes[e.fold.String(local)] {
		score += 20
	}
	if len(local) >= 3 {
		score += 20
	}
	if tld != "" && !genericTLDs[tld] && tld == e.targetTLD {
		score += 10
	}
	if local != "" && allDigits(local) {
		score -= 10
	}
	return clip(score)
}

func (e *Engine) companyRelevance(dom, metaText string) float64 {
	text := e.fold.String(dom) + " " + metaText
	score := 0.0
	for _, kw := range e.folded.industryKeywords.Primary {
		if strings.Contains(text, kw) {
			score += 10
		}
	}
	for _, kw := range e.folded.industryKeywords.Secondary {
		if strings.Contains(text, kw) {
			score += 5
		}
	}
	for _, kw := range e.folded.industryKeywords.Processes {
		if strings.Contains(text, kw) {
			score += 3
		}
	}
	for _, kw := range e.folded.industryKeywords.Materials {
		if strings.Contains(text, kw) {
			score += 3
		}
	}
	for _, kw := range e.folded.industryKeywords.Negative {
		if strings.Contains(text, kw) {
			score -= 15
		}
	}
	return clip(score)
}

func (e *Engine) geographicPriority(dom, tld string, md *domain.Metadata) float64 {
	var country, city string
	if md != nil {
		country = md.Country
		city = md.City
	}
	haystack := e.fold.String(dom + " " + country + " " + city + " " + tld)

	switch {
	case containsAny(haystack, e.folded.geo.High):
		return 80
	case containsAny(haystack, e.folded.geo.Medium):
		return 40
	case containsAny(haystack, e.folded.geo.Low):
		return 10
	}
	return 0
}

func (e *Engine) engagement(md *domain.Metadata) float64 {
	// No metadata means no engagement signal at all, not the base score.
	if md == nil || md.IsEmpty() {
		return 0
	}
	score := 60.0
	if strings.TrimSpace(md.MetaDescription) != "" {
		score += 20
	}
	if strings.TrimSpace(md.CompanyName) != "" {
		score += 20
	}
	if softFailure(md.ValidationStatus) {
		score -= 20
	}
	return clip(score)
}

func (e *Engine) metadataText(md *domain.Metadata) string {
	if md == nil {
		return ""
	}
	return e.fold.String(strings.Join([]string{
		md.MetaDescription, md.CompanyName, md.MetaKeywords,
	}, " "))
}

func softFailure(status string) bool {
	s := strings.ToLower(status)
	return strings.Contains(s, "soft") || strings.Contains(s, "risky") ||
		strings.Contains(s, "fail")
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func lastLabel(dom string) string {
	if i := strings.LastIndex(dom, "."); i >= 0 && i < len(dom)-1 {
		return strings.ToLower(dom[i+1:])
	}
	return ""
}

func clip(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
