package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"deepchat/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_SchemaIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")

	first, err := Open(path, logger.Nop())
	require.NoError(t, err)
	_, err = first.Exec(context.Background(), "INSERT INTO config (key, value) VALUES ('a', 'b')")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path, logger.Nop())
	require.NoError(t, err)
	defer second.Close()

	v, err := second.Scalar(context.Background(), "SELECT value FROM config WHERE key = 'a'")
	require.NoError(t, err)
	assert.Equal(t, "b", v)
	assert.Equal(t, path, second.Path())
}

func TestStore_ExecScalarQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n, err := s.Exec(ctx, "INSERT INTO config (key, value) VALUES (?, ?), (?, ?)", "k1", "v1", "k2", "v2")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	v, err := s.Scalar(ctx, "SELECT COUNT(*) FROM config")
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)

	missing, err := s.Scalar(ctx, "SELECT value FROM config WHERE key = ?", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	keys, err := Query(ctx, s, "SELECT key FROM config ORDER BY key DESC", func(row Scanner) (string, error) {
		var k string
		err := row.Scan(&k)
		return k, err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"k2", "k1"}, keys)
}

func TestStore_QueryMapperError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.Exec(ctx, "INSERT INTO config (key, value) VALUES ('x', 'y')")
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = Query(ctx, s, "SELECT key FROM config", func(Scanner) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)

	// the lock must have been released
	_, err = s.Exec(ctx, "DELETE FROM config")
	assert.NoError(t, err)
}

func TestStore_SQLErrorPropagates(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Exec(context.Background(), "INSERT INTO nowhere VALUES (1)")
	assert.Error(t, err)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.Exec(ctx, "INSERT INTO config (key, value) VALUES ('t', '1')"); err != nil {
			return err
		}
		v, err := tx.Scalar(ctx, "SELECT value FROM config WHERE key = 't'")
		require.NoError(t, err)
		assert.Equal(t, "1", v)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	v, err := s.Scalar(ctx, "SELECT value FROM config WHERE key = 't'")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestStore_ForeignKeysCascade(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Exec(ctx, "INSERT INTO messages (id, session_id, role, content, send_time) VALUES ('m', 'missing', 'user', '', 1)")
	assert.Error(t, err, "insert without parent session must fail")

	_, err = s.Exec(ctx, "INSERT INTO sessions (id, title, type, created_time, updated_time) VALUES ('s', 't', 'consultation', 1, 1)")
	require.NoError(t, err)
	_, err = s.Exec(ctx, "INSERT INTO messages (id, session_id, role, content, send_time) VALUES ('m', 's', 'user', '', 1)")
	require.NoError(t, err)
	_, err = s.Exec(ctx, "DELETE FROM sessions WHERE id = 's'")
	require.NoError(t, err)

	v, err := s.Scalar(ctx, "SELECT COUNT(*) FROM messages")
	require.NoError(t, err)
	assert.EqualValues(t, 0, v)
}

func TestStore_ConcurrentWriters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Exec(ctx, "INSERT INTO config (key, value) VALUES (?, ?)", fmt.Sprintf("k%d", i), "v"); err != nil {
				errs <- err
				return
			}
			if _, err := Query(ctx, s, "SELECT key FROM config", func(row Scanner) (string, error) {
				var k string
				return k, row.Scan(&k)
			}); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent access failed: %v", err)
	}

	v, err := s.Scalar(ctx, "SELECT COUNT(*) FROM config")
	require.NoError(t, err)
	assert.EqualValues(t, 40, v)
}
