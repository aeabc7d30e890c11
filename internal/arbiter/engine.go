package arbiter

import (
	"context"
	"fmt"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"aegisflux/agents/exec-guard/internal/logging"
	"aegisflux/agents/exec-guard/internal/metrics"
	"aegisflux/agents/exec-guard/internal/signing"
	"aegisflux/agents/exec-guard/internal/store"
	"aegisflux/agents/exec-guard/internal/types"
)

// AuditModer reports whether DENY verdicts should be downgraded to ALLOW
type AuditModer interface {
	AuditMode() bool
}

type cacheKey struct {
	path  string
	mtime int64
}

type cacheEntry struct {
	id      int64
	trusted bool
}

// Engine decides whether an executable may run. Decide is safe for
// concurrent use.
type Engine struct {
	store    *store.Store
	verifier signing.Verifier
	audit    AuditModer
	matcher  *Matcher
	cache    *lru.Cache[cacheKey, cacheEntry]
	logger   *logging.Logger
	metrics  *metrics.Metrics

	now      func() time.Time
	hashFile func(path string) (Digests, error)
}

// NewEngine creates a decision engine with an in-memory verdict cache of
// cacheSize entries in front of the store
func NewEngine(st *store.Store, verifier signing.Verifier, audit AuditModer, cacheSize int, logger *logging.Logger, m *metrics.Metrics) (*Engine, error) {
	cache, err := lru.New[cacheKey, cacheEntry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create verdict cache: %w", err)
	}

	return &Engine{
		store:    st,
		verifier: verifier,
		audit:    audit,
		matcher:  NewMatcher(),
		cache:    cache,
		logger:   logger.WithComponent("arbiter"),
		metrics:  m,
		now:      time.Now,
		hashFile: HashFile,
	}, nil
}

// Decide returns the verdict for the executable at rawPath and the id of its
// trust record. Failures are logged and answered with ALLOW and id 0. In
// audit mode DENY is reported as ALLOW while the stored trust flag keeps
// the evaluated verdict.
func (e *Engine) Decide(ctx context.Context, rawPath string) (types.Verdict, int64) {
	verdict, id, source, err := e.decide(ctx, rawPath)
	if err != nil {
		e.logger.LogDecisionEvent("decision_failed_open", rawPath, "error", err)
		e.metrics.RecordDecision(types.VerdictAllow.String(), "fail_open")
		return types.VerdictAllow, 0
	}

	e.metrics.RecordDecision(verdict.String(), source)

	if verdict == types.VerdictDeny && e.audit.AuditMode() {
		e.logger.LogDecisionEvent("decision_audited", rawPath, "executable_id", id, "verdict", verdict.String())
		return types.VerdictAllow, id
	}
	return verdict, id
}

func (e *Engine) decide(ctx context.Context, rawPath string) (types.Verdict, int64, string, error) {
	path, err := CanonicalPath(rawPath)
	if err != nil {
		return 0, 0, "", err
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return 0, 0, "", fmt.Errorf("%s is a directory", path)
	}
	mtime := info.ModTime().UTC()
	key := cacheKey{path: path, mtime: mtime.UnixNano()}

	if entry, ok := e.cache.Get(key); ok {
		e.logger.LogDecisionEvent("decision_cached", path, "executable_id", entry.id, "trusted", entry.trusted)
		return verdictFor(entry.trusted), entry.id, "cache", nil
	}

	existing, err := e.store.FindExecutable(ctx, path, mtime)
	if err != nil {
		return 0, 0, "", err
	}
	if existing != nil {
		e.cache.Add(key, cacheEntry{id: existing.ID, trusted: existing.Trusted})
		e.logger.LogDecisionEvent("decision_cached", path, "executable_id", existing.ID, "trusted", existing.Trusted)
		return verdictFor(existing.Trusted), existing.ID, "store", nil
	}

	result, err := e.verifier.Verify(ctx, path)
	if err != nil {
		return 0, 0, "", fmt.Errorf("signature verification failed: %w", err)
	}

	digests, err := e.hashFile(path)
	if err != nil {
		return 0, 0, "", err
	}

	now := e.now().UTC()
	candidate := &types.Executable{
		Path:          path,
		LastWriteTime: mtime,
		FirstSeen:     now,
		LastSeen:      now,
		LastChecked:   now,
		Signed:        result.Verified,
		MD5:           digests.MD5,
		SHA1:          digests.SHA1,
		SHA256:        digests.SHA256,
		Size:          digests.Size,
	}
	if result.Verified {
		candidate.Signers = result.Signers
	}

	var (
		verdict types.Verdict
		entry   cacheEntry
	)
	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		rules, err := tx.EnabledRules(ctx)
		if err != nil {
			return err
		}

		var matched []int64
		verdict, matched = e.matcher.Evaluate(rules, candidate)

		winner, err := tx.FindExecutable(ctx, path, mtime)
		if err != nil {
			return err
		}
		if winner != nil {
			// another decision for the same (path, mtime) committed first
			entry = cacheEntry{id: winner.ID, trusted: winner.Trusted}
			return nil
		}

		candidate.Trusted = verdict == types.VerdictAllow
		candidate.Blocked = verdict == types.VerdictDeny && !e.audit.AuditMode()

		id, err := tx.InsertExecutable(ctx, candidate)
		if err != nil {
			return err
		}
		entry = cacheEntry{id: id, trusted: candidate.Trusted}

		return tx.TouchRules(ctx, matched)
	})
	if err != nil {
		return 0, 0, "", err
	}

	e.cache.Add(key, entry)

	if result.CatalogPath != "" {
		e.recordCatalog(ctx, result.CatalogPath)
	}

	e.logger.LogDecisionEvent("decision_evaluated", path,
		"executable_id", entry.id,
		"verdict", verdict.String(),
		"signed", candidate.Signed,
		"sha256", fmt.Sprintf("%x", candidate.SHA256))

	return verdict, entry.id, "rules", nil
}

// recordCatalog stores the signing catalog that vouched for an executable
func (e *Engine) recordCatalog(ctx context.Context, path string) {
	digests, err := e.hashFile(path)
	if err != nil {
		e.logger.Warn("Failed to hash catalog file", "path", path, "error", err)
		return
	}

	_, err = e.store.RecordCatalogFile(ctx, &types.CatalogFile{
		Path:            path,
		SHA256:          digests.SHA256,
		Size:            digests.Size,
		FirstAccessTime: e.now().UTC(),
	})
	if err != nil {
		e.logger.Warn("Failed to record catalog file", "path", path, "error", err)
	}
}

func verdictFor(trusted bool) types.Verdict {
	if trusted {
		return types.VerdictAllow
	}
	return types.VerdictDeny
}
