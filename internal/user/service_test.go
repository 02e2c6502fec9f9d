package user

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go-marketchat/internal/db"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	database, err := db.NewDatabase(db.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewService(NewRepository(database), "test-secret", time.Hour)
}

func TestRegisterLoginValidate(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	reg, err := s.Register(ctx, &RegisterRequest{Username: "buyer", Password: "pw"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.ID == 0 {
		t.Fatal("expected an id")
	}

	res, err := s.Login(ctx, &RegisterRequest{Username: "buyer", Password: "pw"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	id, name, err := s.ValidateToken(res.AccessToken)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id != reg.ID || name != "buyer" {
		t.Fatalf("principal = %d/%s", id, name)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	if _, err := s.Register(ctx, &RegisterRequest{Username: "seller", Password: "right"}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Login(ctx, &RegisterRequest{Username: "seller", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := s.Login(ctx, &RegisterRequest{Username: "ghost", Password: "x"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestValidateTokenRejects(t *testing.T) {
	s := newTestService(t)

	t.Run("garbage", func(t *testing.T) {
		if _, _, err := s.ValidateToken("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
		tok, err := s.IssueToken(7, "old")
		s.now = time.Now
		if err != nil {
			t.Fatal(err)
		}
		if _, _, err := s.ValidateToken(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("other secret", func(t *testing.T) {
		other := NewService(nil, "different", time.Hour)
		tok, err := other.IssueToken(7, "x")
		if err != nil {
			t.Fatal(err)
		}
		if _, _, err := s.ValidateToken(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestSearchUsersCaseInsensitive(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	for _, name := range []string{"AliceShop", "alina", "bob"} {
		if _, err := s.Register(ctx, &RegisterRequest{Username: name, Password: "pw"}); err != nil {
			t.Fatal(err)
		}
	}

	users, err := s.SearchUsers(ctx, "ALI")
	if err != nil {
		t.Fatalf("SearchUsers: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("got %d users, want 2: %+v", len(users), users)
	}
}

func TestHandlerRegisterRejectsEmpty(t *testing.T) {
	h := NewHandler(newTestService(t))
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{"username":"","password":""}`))
	rec := httptest.NewRecorder()

	h.Register(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}
