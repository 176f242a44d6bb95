// Package smartfilter scores clean addresses into priority tiers. A
// FilterConfig drives hard exclusions, four weighted component scores and
// multiplicative bonuses; the engine itself holds no campaign knowledge.
package smartfilter

import (
	"fmt"
	"math"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// InvalidConfigError reports which validation check a config failed. It is
// raised before any file I/O begins.
type InvalidConfigError struct {
	Check string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("smartfilter: invalid config: %s", e.Check)
}

// mandatoryExclusions are the categories every config must carry.
var mandatoryExclusions = []string{
	"medical", "educational", "government", "pharmacy", "legal", "tourism", "research_ngo",
}

const (
	minDomainPatterns = 5
	minEmailPrefixes  = 3
	weightTolerance   = 1e-6
	defaultBonusCap   = 3.0
)

// Weights splits the raw score across the four components. Must sum to 1.
type Weights struct {
	EmailQuality       float64 `yaml:"email_quality"`
	CompanyRelevance   float64 `yaml:"company_relevance"`
	GeographicPriority float64 `yaml:"geographic_priority"`
	Engagement         float64 `yaml:"engagement"`
}

// Thresholds are the tier cut-offs on the final score.
type Thresholds struct {
	High   int `yaml:"high"`
	Medium int `yaml:"medium"`
	Low    int `yaml:"low"`
}

// IndustryKeywords are the relevance buckets, all case-folded terms.
type IndustryKeywords struct {
	Primary   []string `yaml:"primary"`
	Secondary []string `yaml:"secondary"`
	Processes []string `yaml:"processes"`
	Materials []string `yaml:"materials"`
	Negative  []string `yaml:"negative"`
}

// GeoPriorities are the ordered geographic tiers.
type GeoPriorities struct {
	High   []string `yaml:"high"`
	Medium []string `yaml:"medium"`
	Low    []string `yaml:"low"`
}

// ExclusionCategory is one named hard-exclusion group.
type ExclusionCategory struct {
	DomainPatterns []string `yaml:"domain_patterns"`
	EmailPrefixes  []string `yaml:"email_prefixes"`
	Keywords       []string `yaml:"keywords"`
}

// Bonus is one multiplicative adjustment; it fires when any term matches the
// address domain or the metadata text.
type Bonus struct {
	Name       string   `yaml:"name"`
	Multiplier float64  `yaml:"multiplier"`
	Terms      []string `yaml:"terms"`
}

// FilterConfig is the full scoring configuration.
type FilterConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	// TargetCountry takes a ccTLD ("de") or a country name ("Germany");
	// it feeds the country-TLD bonus in the email-quality component.
	TargetCountry  string   `yaml:"target_country"`
	TargetIndustry string   `yaml:"target_industry"`
	Languages      []string `yaml:"languages"`

	Weights          Weights                      `yaml:"weights"`
	Thresholds       Thresholds                   `yaml:"thresholds"`
	IndustryKeywords IndustryKeywords             `yaml:"industry_keywords"`
	GeoPriorities    GeoPriorities                `yaml:"geographic_priorities"`
	Exclusions       map[string]ExclusionCategory `yaml:"exclusions"`

	PersonalDomains        []string `yaml:"personal_domains"`
	ServicePrefixes        []string `yaml:"service_prefixes"`
	ExcludedCountryDomains []string `yaml:"excluded_country_domains"`
	SuspiciousRegexes      []string `yaml:"suspicious_regexes"`

	RolePrefixes []string `yaml:"role_prefixes"`
	Bonuses      []Bonus  `yaml:"bonuses"`
	BonusCap     float64  `yaml:"bonus_cap"`
}

// LoadConfig reads and validates a YAML FilterConfig.
func LoadConfig(path string) (*FilterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("smartfilter: read config %s: %w", path, err)
	}
	var cfg FilterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("smartfilter: parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config against the scoring contract. Runs before any
// input is opened.
func (c *FilterConfig) Validate() error {
	sum := c.Weights.EmailQuality + c.Weights.CompanyRelevance +
		c.Weights.GeographicPriority + c.Weights.Engagement
	if math.Abs(sum-1.0) > weightTolerance {
		return &InvalidConfigError{Check: fmt.Sprintf("weights must sum to 1.0, got %g", sum)}
	}
	for _, w := range []float64{
		c.Weights.EmailQuality, c.Weights.CompanyRelevance,
		c.Weights.GeographicPriority, c.Weights.Engagement,
	} {
		if w < 0 || w > 1 {
			return &InvalidConfigError{Check: fmt.Sprintf("weight %g outside [0,1]", w)}
		}
	}

	t := c.Thresholds
	if !(t.High > t.Medium && t.Medium > t.Low && t.Low >= 0) {
		return &InvalidConfigError{Check: fmt.Sprintf(
			"thresholds must satisfy high > medium > low >= 0, got %d/%d/%d", t.High, t.Medium, t.Low)}
	}

	for _, name := range mandatoryExclusions {
		cat, ok := c.Exclusions[name]
		if !ok {
			return &InvalidConfigError{Check: "missing mandatory exclusion category " + name}
		}
		if len(cat.DomainPatterns) < minDomainPatterns {
			return &InvalidConfigError{Check: fmt.Sprintf(
				"exclusion %s needs at least %d domain_patterns, got %d",
				name, minDomainPatterns, len(cat.DomainPatterns))}
		}
		if len(cat.EmailPrefixes) < minEmailPrefixes {
			return &InvalidConfigError{Check: fmt.Sprintf(
				"exclusion %s needs at least %d email_prefixes, got %d",
				name, minEmailPrefixes, len(cat.EmailPrefixes))}
		}
	}

	for _, b := range c.Bonuses {
		if b.Multiplier <= 0 {
			return &InvalidConfigError{Check: fmt.Sprintf(
				"bonus %q has non-positive multiplier %g", b.Name, b.Multiplier)}
		}
	}
	if c.BonusCap < 0 {
		return &InvalidConfigError{Check: fmt.Sprintf("bonus_cap %g is negative", c.BonusCap)}
	}

	for _, pat := range c.SuspiciousRegexes {
		if _, err := regexp.Compile(pat); err != nil {
			return &InvalidConfigError{Check: fmt.Sprintf("suspicious_regex %q: %v", pat, err)}
		}
	}
	return nil
}

func (c *FilterConfig) bonusCap() float64 {
	if c.BonusCap == 0 {
		return defaultBonusCap
	}
	return c.BonusCap
}
