package auth

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/commune-app/commune/internal/db"
)

func setupAuth(t *testing.T) (*Service, *sql.DB) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "auth_test.db"))
	if err != nil {
		t.Fatalf("Failed to open test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	conn := database.GetConn()
	return New(conn, "test-secret"), conn
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := setupAuth(t)

	tests := []struct {
		name        string
		username    string
		password    string
		displayName string
		wantErr     string
	}{
		{"short username", "ab", "password123", "", "between 3 and 32"},
		{"long username", strings.Repeat("a", 33), "password123", "", "between 3 and 32"},
		{"invalid characters", "user name", "password123", "", "letters, numbers"},
		{"short password", "validuser", "12345", "", "at least 6"},
		{"long display name", "validuser", "password123", strings.Repeat("x", 65), "at most 64"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(tt.username, tt.password, tt.displayName)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Register() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}

	t.Run("valid with display name", func(t *testing.T) {
		id, err := svc.Register("validuser", "password123", "  Valid User  ")
		if err != nil {
			t.Fatalf("Register() failed: %v", err)
		}
		if id == 0 {
			t.Fatal("Register() returned zero id")
		}
	})

	t.Run("duplicate username", func(t *testing.T) {
		_, err := svc.Register("validuser", "password123", "")
		if err == nil || !strings.Contains(err.Error(), "already exists") {
			t.Fatalf("Duplicate register error = %v, want already exists", err)
		}
	})
}

func TestLoginAndTokenRoundTrip(t *testing.T) {
	svc, _ := setupAuth(t)

	userID, err := svc.Register("loginuser", "password123", "")
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	token, err := svc.Login("loginuser", "password123")
	if err != nil {
		t.Fatalf("Login() failed: %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() failed: %v", err)
	}
	if claims.UserID != userID || claims.Username != "loginuser" {
		t.Fatalf("claims = %+v, want user %d loginuser", claims, userID)
	}

	if _, err := svc.Login("loginuser", "wrongpassword"); err == nil {
		t.Fatal("Login() with wrong password succeeded")
	}
	if _, err := svc.Login("nobody", "password123"); err == nil {
		t.Fatal("Login() with unknown user succeeded")
	}
}

func TestValidateTokenErrors(t *testing.T) {
	svc, conn := setupAuth(t)

	if _, err := svc.ValidateToken("not-a-token"); err == nil {
		t.Fatal("ValidateToken() accepted garbage")
	}

	// Token signed with a different secret
	other := New(conn, "other-secret")
	token, err := other.GenerateToken(1, "someone")
	if err != nil {
		t.Fatalf("GenerateToken() failed: %v", err)
	}
	if _, err := svc.ValidateToken(token); err == nil {
		t.Fatal("ValidateToken() accepted a token with the wrong signature")
	}

	// Expired token
	short := NewWithTokenTTL(conn, "test-secret", time.Millisecond)
	token, err = short.GenerateToken(1, "someone")
	if err != nil {
		t.Fatalf("GenerateToken() failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := svc.ValidateToken(token); err == nil {
		t.Fatal("ValidateToken() accepted an expired token")
	}
}

func TestSoftDeletedUser(t *testing.T) {
	svc, conn := setupAuth(t)

	userID, err := svc.Register("gone", "password123", "")
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	if _, err := conn.Exec("UPDATE users SET deleted_at = CURRENT_TIMESTAMP WHERE id = ?", userID); err != nil {
		t.Fatalf("Failed to soft-delete user: %v", err)
	}

	if _, err := svc.Login("gone", "password123"); err == nil {
		t.Fatal("Login() succeeded for a deleted user")
	}

	exists, err := svc.UserExists(userID)
	if err != nil {
		t.Fatalf("UserExists() failed: %v", err)
	}
	if exists {
		t.Fatal("UserExists() reported a deleted user as existing")
	}

	if _, err := svc.GetUserByUsername("gone"); err == nil {
		t.Fatal("GetUserByUsername() found a deleted user")
	}
}
