package sqlstore_test

import (
	"errors"
	"os"
	"testing"

	"github.com/nao1215/pushhub/internal/store"
	"github.com/nao1215/pushhub/internal/store/sqlstore"
	"github.com/nao1215/pushhub/internal/store/storetest"
	"github.com/nao1215/pushhub/pkg/logx"
)

// TestSQLiteStore はSQLiteバックエンドの共通振る舞いを検証する。
func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T) store.Store {
		t.Helper()
		s, err := sqlstore.Open(t.Context(), sqlstore.DialectSQLite, ":memory:", logx.Nop())
		if err != nil {
			t.Fatalf("SQLiteストアの作成に失敗: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

// TestMySQLStore はMySQLバックエンドの共通振る舞いを検証する。
// PUSHHUB_TEST_MYSQL_DSN が設定されている場合のみ実行する。
func TestMySQLStore(t *testing.T) {
	dsn := os.Getenv("PUSHHUB_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("PUSHHUB_TEST_MYSQL_DSN が未設定のためスキップ")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		t.Helper()
		s, err := sqlstore.Open(t.Context(), sqlstore.DialectMySQL, dsn, logx.Nop())
		if err != nil {
			t.Fatalf("MySQLストアの作成に失敗: %v", err)
		}
		for _, table := range []string{"pending_notifications", "delivery_logs"} {
			if _, err := s.DB().Exec("DELETE FROM " + table); err != nil {
				t.Fatalf("%s の初期化に失敗: %v", table, err)
			}
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

// TestOpen はストアの作成を検証する。
func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("未対応の方言はエラーになること", func(t *testing.T) {
		t.Parallel()
		_, err := sqlstore.Open(t.Context(), sqlstore.Dialect("postgres"), "", logx.Nop())
		if !errors.Is(err, sqlstore.ErrUnknownDialect) {
			t.Errorf("Open() error = %v, want ErrUnknownDialect", err)
		}
	})

	t.Run("同じDBに2回マイグレーションしてもエラーにならないこと", func(t *testing.T) {
		t.Parallel()
		s, err := sqlstore.Open(t.Context(), sqlstore.DialectSQLite, ":memory:", logx.Nop())
		if err != nil {
			t.Fatalf("Open()でエラーが発生: %v", err)
		}
		defer s.Close()

		if _, err := sqlstore.New(t.Context(), s.DB(), sqlstore.DialectSQLite, logx.Nop()); err != nil {
			t.Errorf("2回目のNew()でエラーが発生: %v", err)
		}
	})
}
