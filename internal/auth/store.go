package auth

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nao1215/agrigw/pkg/migration"
	"github.com/nao1215/agrigw/pkg/rbac"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	// ErrUserNotFound はユーザーが存在しないことを表す。
	ErrUserNotFound = errors.New("ユーザーが見つかりません")
	// ErrEmailTaken はメールアドレスが登録済みであることを表す。
	ErrEmailTaken = errors.New("メールアドレスは既に登録されています")
)

// User は認証サービスが管理するユーザー。
type User struct {
	// ID はユーザーの一意識別子。
	ID string
	// Email はログインに使うメールアドレス。
	Email string
	// Name は表示名。
	Name string
	// PasswordHash はbcryptのハッシュ。
	PasswordHash string
	// Role はユーザーのロール。
	Role rbac.Role
	// FarmID は所属する農場ID。
	FarmID string
	// CreatedAt は作成日時。
	CreatedAt time.Time
	// LastLoginAt は最終ログイン日時。未ログインの場合はゼロ値。
	LastLoginAt time.Time
}

// AccessRequest はアカウント発行の申請。
type AccessRequest struct {
	ID        string
	Email     string
	Name      string
	FarmName  string
	Message   string
	Status    string
	CreatedAt time.Time
}

// Store はユーザーとアクセス申請をSQLiteに保存する。
type Store struct {
	db *sql.DB
}

// OpenStore はSQLiteデータベースを開き、マイグレーションを適用する。
func OpenStore(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// SQLiteは書き込みが直列化されるため接続を1本に絞る
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

// CreateUser はユーザーを作成する。メールアドレスが重複する場合はErrEmailTakenを返す。
func (s *Store) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, password_hash, role, farm_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.PasswordHash, string(u.Role), u.FarmID, u.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("ユーザーの作成に失敗: %w", err)
	}
	return nil
}

// GetUserByEmail はメールアドレスでユーザーを取得する。
func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, "email", email)
}

// GetUserByID はIDでユーザーを取得する。
func (s *Store) GetUserByID(ctx context.Context, id string) (User, error) {
	return s.getUser(ctx, "id", id)
}

// getUser は指定した列の値でユーザーを1件取得する。columnは固定値のみ渡す。
func (s *Store) getUser(ctx context.Context, column, value string) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, password_hash, role, farm_id, created_at, last_login_at
		 FROM users WHERE `+column+` = ?`, value)

	var (
		u         User
		role      string
		lastLogin sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &role, &u.FarmID, &u.CreatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	u.Role = rbac.Role(role)
	if lastLogin.Valid {
		u.LastLoginAt = lastLogin.Time
	}
	return u, nil
}

// UpdateLastLogin は最終ログイン日時を更新する。
func (s *Store) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = ? WHERE id = ?`, at.UTC(), id); err != nil {
		return fmt.Errorf("最終ログイン日時の更新に失敗: %w", err)
	}
	return nil
}

// CreateAccessRequest はアクセス申請を保存する。
func (s *Store) CreateAccessRequest(ctx context.Context, r AccessRequest) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO access_requests (id, email, name, farm_name, message, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Email, r.Name, r.FarmName, r.Message, r.Status, r.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("アクセス申請の保存に失敗: %w", err)
	}
	return nil
}

// ListAccessRequests は指定した状態のアクセス申請を新しい順に返す。
func (s *Store) ListAccessRequests(ctx context.Context, status string) ([]AccessRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, name, farm_name, message, status, created_at
		 FROM access_requests WHERE status = ? ORDER BY created_at DESC`, status)
	if err != nil {
		return nil, fmt.Errorf("アクセス申請の取得に失敗: %w", err)
	}
	defer rows.Close()

	var requests []AccessRequest
	for rows.Next() {
		var r AccessRequest
		if err := rows.Scan(&r.ID, &r.Email, &r.Name, &r.FarmName, &r.Message, &r.Status, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("アクセス申請の読み取りに失敗: %w", err)
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// isUniqueViolation はerrが一意制約違反かを返す。
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		// 拡張エラーコードが無効な接続では基本コードしか返らない
		return strings.Contains(sqliteErr.Error(), "UNIQUE")
	}
	return false
}
