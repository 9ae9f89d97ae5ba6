// Package opa provides a feedback trigger whose rules live in Rego policies.
//
// Policies are loaded from *.rego files in a directory and must define
// data.tagwatch.feedback.notification, an object with "messages" and an
// optional "image", for inputs of the form {"category", "event_type"}. An
// undefined result means no notification.
package opa

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goodtune/tagwatch/internal/feedback"
	"github.com/goodtune/tagwatch/internal/storage"
	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

const notificationQuery = "data.tagwatch.feedback.notification"

// Trigger implements feedback.Trigger on top of OPA.
type Trigger struct {
	policyDir string
	logger    zerolog.Logger

	mu    sync.RWMutex
	query rego.PreparedEvalQuery
}

// NewTrigger loads the policies in policyDir and prepares the query.
func NewTrigger(policyDir string, logger zerolog.Logger) (*Trigger, error) {
	t := &Trigger{
		policyDir: policyDir,
		logger:    logger.With().Str("component", "opa").Logger(),
	}

	if err := t.Reload(); err != nil {
		return nil, err
	}

	t.logger.Info().Str("policy_dir", policyDir).Msg("OPA feedback trigger initialized")
	return t, nil
}

// Reload re-reads all policies from disk. Evaluations running concurrently
// keep using the previous query until the new one is ready.
func (t *Trigger) Reload() error {
	modules, err := t.loadPolicies()
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	opts := []func(*rego.Rego){rego.Query(notificationQuery)}
	for name, source := range modules {
		opts = append(opts, rego.Module(name, source))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to prepare notification query: %w", err)
	}

	t.mu.Lock()
	t.query = query
	t.mu.Unlock()

	return nil
}

// loadPolicies reads and parses all .rego files in the policy directory
func (t *Trigger) loadPolicies() (map[string]string, error) {
	files, err := filepath.Glob(filepath.Join(t.policyDir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", t.policyDir)
	}

	modules := make(map[string]string, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}

		// Parse up front so syntax errors name the file
		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}

		modules[file] = string(content)
		t.logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
	}

	return modules, nil
}

// Evaluate implements feedback.Trigger. Evaluation errors are logged and
// treated as no notification.
func (t *Trigger) Evaluate(ctx context.Context, category string, eventType storage.EventType) (feedback.Notification, bool) {
	n, ok, err := t.evaluate(ctx, category, eventType)
	if err != nil {
		t.logger.Error().Err(err).Str("category", category).Msg("Feedback policy evaluation failed")
		return feedback.Notification{}, false
	}
	return n, ok
}

func (t *Trigger) evaluate(ctx context.Context, category string, eventType storage.EventType) (feedback.Notification, bool, error) {
	startTime := time.Now()

	t.mu.RLock()
	query := t.query
	t.mu.RUnlock()

	input := map[string]interface{}{
		"category":   category,
		"event_type": string(eventType),
	}

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return feedback.Notification{}, false, fmt.Errorf("notification query evaluation failed: %w", err)
	}

	t.logger.Debug().Dur("duration_ms", time.Since(startTime)).Msg("Notification query evaluated")

	// Undefined result
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return feedback.Notification{}, false, nil
	}

	resultBytes, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return feedback.Notification{}, false, fmt.Errorf("failed to marshal notification: %w", err)
	}

	var n feedback.Notification
	if err := json.Unmarshal(resultBytes, &n); err != nil {
		return feedback.Notification{}, false, fmt.Errorf("failed to unmarshal notification: %w", err)
	}
	if len(n.Messages) == 0 {
		return feedback.Notification{}, false, fmt.Errorf("notification for %s has no messages", category)
	}

	n.Category = category
	n.EventType = eventType
	return n, true, nil
}
