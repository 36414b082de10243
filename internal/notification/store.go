package notification

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nao1215/agrigw/pkg/migration"
	"github.com/nao1215/agrigw/pkg/rbac"
)

//go:embed migrations/*.sql
var migrations embed.FS

// rolePrefix はロール全体を通知先とする場合の接頭辞。
const rolePrefix = "role:"

// ErrNotFound は通知が存在しないことを表す。
var ErrNotFound = errors.New("通知が見つかりません")

// Notification は1件の通知。
type Notification struct {
	// ID は通知の一意識別子。
	ID string
	// Recipient はユーザーIDまたは"role:<ロール名>"。
	Recipient string
	// Kind は通知の種類。
	Kind string
	// Title は通知のタイトル。
	Title string
	// Message は通知メッセージ。
	Message string
	// IsRead は既読状態。
	IsRead bool
	// CreatedAt は作成日時。
	CreatedAt time.Time
}

// RoleRecipient はロール全体を表す通知先を返す。
func RoleRecipient(role rbac.Role) string {
	return rolePrefix + string(role)
}

// Store は通知をSQLiteに保存する。
type Store struct {
	db *sql.DB
}

// OpenStore はSQLiteデータベースを開き、マイグレーションを適用する。
func OpenStore(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := migration.Run(ctx, db, migrations, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &Store{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping はデータベースに到達できるかを確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create は通知を保存する。
func (s *Store) Create(ctx context.Context, n Notification) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, recipient, kind, title, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.Recipient, n.Kind, n.Title, n.Message, n.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("通知の作成に失敗: %w", err)
	}
	return nil
}

// ListFor はユーザー本人宛てとロール宛ての通知を新しい順に返す。
// unreadOnlyがtrueの場合は未読のみを返す。
func (s *Store) ListFor(ctx context.Context, userID string, role rbac.Role, unreadOnly bool) ([]Notification, error) {
	query := `SELECT id, recipient, kind, title, message, is_read, created_at
		FROM notifications WHERE recipient IN (?, ?)`
	if unreadOnly {
		query += ` AND is_read = 0`
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, userID, RoleRecipient(role))
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	defer rows.Close()

	var list []Notification
	for rows.Next() {
		var (
			n      Notification
			isRead int
		)
		if err := rows.Scan(&n.ID, &n.Recipient, &n.Kind, &n.Title, &n.Message, &isRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("通知の読み取りに失敗: %w", err)
		}
		n.IsRead = isRead != 0
		list = append(list, n)
	}
	return list, rows.Err()
}

// Get はIDで通知を取得する。
func (s *Store) Get(ctx context.Context, id string) (Notification, error) {
	var (
		n      Notification
		isRead int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, recipient, kind, title, message, is_read, created_at
		 FROM notifications WHERE id = ?`, id,
	).Scan(&n.ID, &n.Recipient, &n.Kind, &n.Title, &n.Message, &isRead, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, ErrNotFound
	}
	if err != nil {
		return Notification{}, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	n.IsRead = isRead != 0
	return n, nil
}

// MarkAsRead は通知を既読にする。
func (s *Store) MarkAsRead(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("通知の既読処理に失敗: %w", err)
	}
	return nil
}

// MarkAllAsRead はユーザー本人宛ての通知を全て既読にし、更新件数を返す。
// ロール宛ての通知は他のユーザーと共有しているため対象外。
func (s *Store) MarkAllAsRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE recipient = ? AND is_read = 0`, userID)
	if err != nil {
		return 0, fmt.Errorf("全通知の既読処理に失敗: %w", err)
	}
	return res.RowsAffected()
}
