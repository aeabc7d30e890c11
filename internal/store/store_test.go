package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/agents/exec-guard/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenOrCreate(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func signedExecutable(path string, mtime time.Time, signers ...types.Signer) *types.Executable {
	return &types.Executable{
		Path:          path,
		LastWriteTime: mtime,
		FirstSeen:     mtime,
		LastSeen:      mtime,
		LastChecked:   mtime,
		Signed:        len(signers) > 0,
		Trusted:       true,
		MD5:           []byte{0x01},
		SHA1:          []byte{0x02},
		SHA256:        []byte{0x03, 0x04},
		Size:          42,
		Signers:       signers,
	}
}

func TestOpenOrCreateReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")

	s, err := OpenOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, s.Version())
	require.NoError(t, s.Close())

	s, err = OpenOrCreate(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, SchemaVersion, s.Version())
}

func TestOpenRejectsVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")

	s, err := OpenOrCreate(path)
	require.NoError(t, err)
	_, err = s.db.Exec("UPDATE version SET version = 99")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = OpenOrCreate(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestInsertAndFindExecutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)

	exe := signedExecutable("/bin/foo", mtime, types.Signer{
		Name:      "TrustedVendor",
		Timestamp: mtime,
		Certificate: types.Certificate{
			Version:      3,
			Issuer:       "Vendor CA",
			SerialNumber: []byte{0xde, 0xad},
		},
	})

	err := s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.InsertExecutable(ctx, exe)
		return err
	})
	require.NoError(t, err)
	require.NotZero(t, exe.ID)

	found, err := s.FindExecutable(ctx, "/bin/foo", mtime)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, exe.ID, found.ID)
	assert.True(t, found.Trusted)
	assert.Equal(t, int64(42), found.Size)
	assert.True(t, found.LastWriteTime.Equal(mtime))
	require.Len(t, found.Signers, 1)
	assert.Equal(t, "TrustedVendor", found.Signers[0].Name)
	assert.Equal(t, []byte{0xde, 0xad}, found.Signers[0].Certificate.SerialNumber)

	missing, err := s.FindExecutable(ctx, "/bin/foo", mtime.Add(time.Second))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCertificatesDeduplicated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mtime := time.Now().UTC()

	cert := types.Certificate{Issuer: "Vendor CA", SerialNumber: []byte{0x01, 0x02}}
	first := signedExecutable("/bin/a", mtime, types.Signer{Name: "Vendor", Certificate: cert})
	second := signedExecutable("/bin/b", mtime, types.Signer{Name: "Vendor", Certificate: cert})
	otherIssuer := signedExecutable("/bin/c", mtime, types.Signer{
		Name:        "Vendor",
		Certificate: types.Certificate{Issuer: "Other CA", SerialNumber: []byte{0x01, 0x02}},
	})

	for _, exe := range []*types.Executable{first, second, otherIssuer} {
		require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
			_, err := tx.InsertExecutable(ctx, exe)
			return err
		}))
	}

	assert.Equal(t, first.Signers[0].Certificate.ID, second.Signers[0].Certificate.ID)
	assert.NotEqual(t, first.Signers[0].Certificate.ID, otherIssuer.Signers[0].Certificate.ID)

	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM certificates").Scan(&n))
	assert.Equal(t, 2, n)
}

func TestExecutableUniquePerPathAndTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mtime := time.Now().UTC()

	insert := func() error {
		return s.WithTx(ctx, func(tx *Tx) error {
			_, err := tx.InsertExecutable(ctx, signedExecutable("/bin/foo", mtime))
			return err
		})
	}

	require.NoError(t, insert())
	assert.Error(t, insert())

	n, err := s.CountExecutables(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExecutableBySHA256(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exe := signedExecutable("/bin/foo", time.Now().UTC())
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.InsertExecutable(ctx, exe)
		return err
	}))

	found, err := s.ExecutableBySHA256(ctx, []byte{0x03, 0x04})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "/bin/foo", found.Path)

	none, err := s.ExecutableBySHA256(ctx, []byte{0xff})
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = s.ExecutableByID(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddRuleAssignsRankFromCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	allow := &types.Rule{Enabled: true, Allow: true, Comment: "allow all"}
	deny := &types.Rule{
		Enabled: true,
		Allow:   false,
		Comment: "deny vendor",
		Attributes: []types.RuleAttribute{
			{Type: types.AttributeSignerName, Value: "TrustedVendor"},
			{Type: types.AttributePathRegex, Value: "^/bin/"},
		},
	}

	_, err := s.AddRule(ctx, allow)
	require.NoError(t, err)
	_, err = s.AddRule(ctx, deny)
	require.NoError(t, err)

	assert.Equal(t, 0, allow.Rank)
	assert.Equal(t, 1, deny.Rank)

	rules, err := s.EnabledRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "allow all", rules[0].Comment)
	assert.Empty(t, rules[0].Attributes)
	require.Len(t, rules[1].Attributes, 2)
	assert.Equal(t, types.AttributeSignerName, rules[1].Attributes[0].Type)
	assert.Equal(t, types.AttributePathRegex, rules[1].Attributes[1].Type)
}

func TestSetRuleEnabled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AddRule(ctx, &types.Rule{Enabled: true, Allow: false})
	require.NoError(t, err)

	require.NoError(t, s.SetRuleEnabled(ctx, id, false))

	enabled, err := s.EnabledRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, enabled)

	all, err := s.Rules(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Enabled)

	assert.ErrorIs(t, s.SetRuleEnabled(ctx, 12345, true), ErrNotFound)
}

func TestTouchRules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	stamp := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return stamp }

	id, err := s.AddRule(ctx, &types.Rule{Enabled: true})
	require.NoError(t, err)

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.TouchRules(ctx, []int64{id})
	}))

	rules, err := s.Rules(ctx)
	require.NoError(t, err)
	require.NotNil(t, rules[0].LastUsed)
	assert.True(t, rules[0].LastUsed.Equal(stamp))
}

func TestProcessEventOutbox(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, state := range []types.ProcessState{types.ProcessExists, types.ProcessStarted, types.ProcessTerminated} {
		_, err := s.LogProcessEvent(ctx, &types.ProcessEvent{
			ExecutableID: 7,
			ImagePath:    "/bin/foo",
			PID:          100 + i,
			PPID:         1,
			CommandLine:  "foo --bar",
			EventTime:    time.Now().UTC(),
			State:        state,
		})
		require.NoError(t, err)
	}

	pending, err := s.UndeliveredProcessEvents(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, types.ProcessTerminated, pending[2].State)
	assert.Equal(t, "foo --bar", pending[0].CommandLine)

	require.NoError(t, s.MarkProcessEventDelivered(ctx, pending[0].ID))
	require.NoError(t, s.MarkProcessEventDelivered(ctx, pending[0].ID))

	pending, err = s.UndeliveredProcessEvents(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	events, catalogs, err := s.OutboxCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, events)
	assert.Equal(t, 0, catalogs)

	assert.ErrorIs(t, s.MarkProcessEventDelivered(ctx, 9999), ErrNotFound)
}

func TestCatalogFilesDedupedByPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &types.CatalogFile{Path: "/catalogs/a.cat", SHA256: []byte{0xaa}, Size: 10, FirstAccessTime: time.Now().UTC()}
	again := &types.CatalogFile{Path: "/catalogs/a.cat", SHA256: []byte{0xbb}, Size: 11, FirstAccessTime: time.Now().UTC()}

	id1, err := s.RecordCatalogFile(ctx, first)
	require.NoError(t, err)
	id2, err := s.RecordCatalogFile(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	pending, err := s.UndeliveredCatalogFiles(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, []byte{0xaa}, pending[0].SHA256)

	found, err := s.CatalogFileBySHA256(ctx, []byte{0xaa})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "/catalogs/a.cat", found.Path)

	require.NoError(t, s.MarkCatalogFileDelivered(ctx, id1))
	pending, err = s.UndeliveredCatalogFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// delivered rows are kept
	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM catalog_files").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.InsertExecutable(ctx, signedExecutable("/bin/foo", time.Now().UTC())); err != nil {
			return err
		}
		return sql.ErrTxDone
	})
	require.ErrorIs(t, err, sql.ErrTxDone)

	n, err := s.CountExecutables(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
