// Package template implements the Template Engine (C4): resolving a
// named/identified template and substituting `{key}` placeholders.
package template

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/shanani/mailpipe/internal/domain"
	"github.com/shanani/mailpipe/pkg/logger"
	"github.com/shanani/mailpipe/pkg/mailerr"
)

// Engine resolves templates and substitutes placeholders (§4.3).
type Engine struct {
	repo domain.TemplateRepository
	log  logger.Logger
}

// New builds an Engine over a template repository.
func New(repo domain.TemplateRepository, log logger.Logger) *Engine {
	return &Engine{repo: repo, log: log}
}

// ResolveResult is the (processed_subject, processed_body, missing_placeholders) triple.
type ResolveResult struct {
	Subject  string
	Body     string
	Missing  []string
}

// Resolve looks up a template by id or name and substitutes values into its
// subject and body (§4.3 contract). Either id or name must be non-empty; id wins.
func (e *Engine) Resolve(ctx context.Context, id, name string, values map[string]string) (*ResolveResult, error) {
	tmpl, err := e.lookup(ctx, id, name)
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return nil, mailerr.TemplateResolution(false, "template not found: id=%q name=%q", id, name)
	}
	if !tmpl.IsActive {
		// Found-but-inactive during processing may be racing a deactivation; retriable.
		return nil, mailerr.TemplateResolution(true, "template %q is not active", tmpl.Name)
	}

	subject, missingSubject := domain.Substitute(tmpl.SubjectTemplate, values)
	body, missingBody := domain.Substitute(tmpl.BodyTemplate, values)

	missing := dedupe(append(missingSubject, missingBody...))
	if len(missing) > 0 && e.log != nil {
		e.log.WithField("template", tmpl.Name).WithField("missing", missing).Warn("template substitution missing placeholders")
	}

	return &ResolveResult{Subject: subject, Body: body, Missing: missing}, nil
}

func (e *Engine) lookup(ctx context.Context, id, name string) (*domain.EmailTemplate, error) {
	if id != "" {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, mailerr.Validation("invalid template id %q: %v", id, err)
		}
		return e.repo.GetByID(ctx, n)
	}
	if name != "" {
		return e.repo.GetByName(ctx, name)
	}
	return nil, mailerr.Validation("template id or name is required")
}

// Validate checks structural errors and warnings for a candidate template
// body before it is persisted (§4.3).
func (e *Engine) Validate(subject, body string) domain.TemplateValidationResult {
	return domain.ValidateTemplateText(subject, body)
}

// Clone duplicates a template under a new name, resetting version to 1 and
// clearing the system flag (§4.3 Clone).
func (e *Engine) Clone(ctx context.Context, sourceID int64, newName string) (*domain.EmailTemplate, error) {
	src, err := e.repo.GetByID(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("load source template: %w", err)
	}
	if src == nil {
		return nil, mailerr.Validation("source template %d not found", sourceID)
	}
	if newName == "" {
		newName = src.Name + "-copy-" + uuid.NewString()[:8]
	}

	clone := &domain.EmailTemplate{
		Name:            newName,
		Category:        src.Category,
		SubjectTemplate: src.SubjectTemplate,
		BodyTemplate:    src.BodyTemplate,
		IsActive:        src.IsActive,
		IsSystem:        false,
		Version:         1,
	}
	if err := e.repo.Insert(ctx, clone); err != nil {
		return nil, fmt.Errorf("insert cloned template: %w", err)
	}
	return clone, nil
}

// UsageStats reports aggregate usage derived from EmailHistory (§4.3, §12).
func (e *Engine) UsageStats(ctx context.Context, templateID int64) (*domain.TemplateUsageStats, error) {
	return e.repo.UsageStats(ctx, templateID)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
