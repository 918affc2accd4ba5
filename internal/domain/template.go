package domain

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// EmailTemplate is a named subject/body pair with `{placeholder}` tokens (§3, §4.3).
type EmailTemplate struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Category        string    `json:"category,omitempty"`
	SubjectTemplate string    `json:"subject_template"`
	BodyTemplate    string    `json:"body_template"`
	IsActive        bool      `json:"is_active"`
	IsSystem        bool      `json:"is_system"`
	Version         int       `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TemplateUsageStats is derived from EmailHistory (§4.3, §12 supplement).
type TemplateUsageStats struct {
	TemplateID         int64         `json:"template_id"`
	TimesUsed          int64         `json:"times_used"`
	SuccessCount       int64         `json:"success_count"`
	AverageProcessTime time.Duration `json:"average_process_time"`
	LastUsedAt         *time.Time    `json:"last_used_at,omitempty"`
}

// PlaceholderPattern matches `{KEY}` tokens per §4.3's substitution rule.
var PlaceholderPattern = regexp.MustCompile(`\{([^}]+)\}`)

// Substitute performs one non-recursive pass of literal `{KEY}` replacement.
// Missing keys are replaced by the empty string and returned in missing,
// deduplicated, in first-encountered order.
func Substitute(text string, values map[string]string) (result string, missing []string) {
	seen := make(map[string]bool)
	result = PlaceholderPattern.ReplaceAllStringFunc(text, func(tok string) string {
		key := strings.TrimSpace(tok[1 : len(tok)-1])
		if v, ok := values[key]; ok {
			return v
		}
		if !seen[key] {
			seen[key] = true
			missing = append(missing, key)
		}
		return ""
	})
	return result, missing
}

// TemplateValidationResult is the output of Validate (§4.3).
type TemplateValidationResult struct {
	Placeholders []string
	Errors       []string
	Warnings     []string
}

var suspiciousTokens = []string{"<script", "javascript:"}

// ValidateTemplateText checks structural errors and content warnings for a
// subject/body pair before it is stored.
func ValidateTemplateText(subject, body string) TemplateValidationResult {
	var res TemplateValidationResult
	if strings.TrimSpace(subject) == "" {
		res.Errors = append(res.Errors, "subject must not be empty")
	}
	if strings.TrimSpace(body) == "" {
		res.Errors = append(res.Errors, "body must not be empty")
	}

	seen := make(map[string]bool)
	for _, m := range PlaceholderPattern.FindAllStringSubmatch(subject+" "+body, -1) {
		key := strings.TrimSpace(m[1])
		if !seen[key] {
			seen[key] = true
			res.Placeholders = append(res.Placeholders, key)
		}
	}

	lower := strings.ToLower(subject + body)
	for _, tok := range suspiciousTokens {
		if strings.Contains(lower, tok) {
			res.Warnings = append(res.Warnings, "content contains suspicious token: "+tok)
		}
	}
	return res
}

// TemplateRepository is the persistence port for EmailTemplate rows.
type TemplateRepository interface {
	Insert(ctx context.Context, t *EmailTemplate) error
	GetByID(ctx context.Context, id int64) (*EmailTemplate, error)
	GetByName(ctx context.Context, name string) (*EmailTemplate, error)
	Update(ctx context.Context, t *EmailTemplate) error
	// Delete fails if the template has IsSystem set.
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, activeOnly bool) ([]*EmailTemplate, error)
	// UsageStats aggregates from EmailHistory.
	UsageStats(ctx context.Context, templateID int64) (*TemplateUsageStats, error)
}
