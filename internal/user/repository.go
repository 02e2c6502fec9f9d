package user

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"go-marketchat/internal/db"
)

var ErrNotFound = errors.New("user not found")

type Repository struct {
	db *db.Database
}

func NewRepository(database *db.Database) *Repository {
	return &Repository{db: database}
}

func (r *Repository) CreateUser(ctx context.Context, user *User) (*User, error) {
	var id int64
	query := r.db.Rebind("INSERT INTO users (username, password) VALUES ($1, $2) RETURNING id")

	err := r.db.Conn.QueryRowContext(ctx, query, user.Username, user.Password).Scan(&id)
	if err != nil {
		return nil, err
	}

	user.ID = id
	return user, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u := &User{}
	query := r.db.Rebind("SELECT id, username, password FROM users WHERE username = $1")

	err := r.db.Conn.QueryRowContext(ctx, query, username).Scan(&u.ID, &u.Username, &u.Password)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return u, nil
}

func (r *Repository) GetUserByID(ctx context.Context, id int64) (*User, error) {
	u := &User{}
	query := r.db.Rebind("SELECT id, username FROM users WHERE id = $1")

	err := r.db.Conn.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

func (r *Repository) SearchUsers(ctx context.Context, query string) ([]User, error) {
	// LOWER/LIKE instead of ILIKE so the same query runs on sqlite.
	q := r.db.Rebind(`SELECT id, username FROM users WHERE LOWER(username) LIKE $1 ORDER BY username LIMIT 10`)
	rows, err := r.db.Conn.QueryContext(ctx, q, "%"+strings.ToLower(query)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
