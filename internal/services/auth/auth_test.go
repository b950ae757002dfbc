package authservice

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/protect-tools/timelapse_exporter/internal/domain/constants"
	"github.com/protect-tools/timelapse_exporter/internal/domain/errs"
	"github.com/protect-tools/timelapse_exporter/internal/domain/models"
)

type mockStorage struct {
	users    map[string]models.User
	saveErr  error
	nextID   int
	adminSet map[string]bool
}

func newMockStorage() *mockStorage {
	return &mockStorage{
		users:    make(map[string]models.User),
		adminSet: make(map[string]bool),
	}
}

func (m *mockStorage) SaveUser(email, userType string, passHash []byte) (string, error) {
	if m.saveErr != nil {
		return "", m.saveErr
	}
	if _, ok := m.users[email]; ok {
		return "", errs.ErrUserExists
	}

	m.nextID++
	m.users[email] = models.User{Id: m.nextID, Email: email, UserType: userType, PassHash: passHash}
	if userType == constants.Admin {
		m.adminSet[email] = true
	}

	return "1", nil
}

func (m *mockStorage) User(email string) (models.User, error) {
	user, ok := m.users[email]
	if !ok {
		return models.User{}, errs.ErrInvalidCredentials
	}
	return user, nil
}

func newTestService(storage *mockStorage) *AuthService {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(log, storage, storage, time.Hour, "test-secret")
}

func TestRegisterAndLogin(t *testing.T) {
	storage := newMockStorage()
	svc := newTestService(storage)

	id, err := svc.RegisterNewUser("user@example.com", "password123", constants.User)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a user id")
	}

	// The stored hash must never be the plain password.
	if string(storage.users["user@example.com"].PassHash) == "password123" {
		t.Fatal("password stored in plain text")
	}

	token, err := svc.Login("user@example.com", "password123")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	parsed, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
		return []byte("test-secret"), nil
	})
	if err != nil || !parsed.Valid {
		t.Fatalf("token does not verify: %v", err)
	}

	claims := parsed.Claims.(jwt.MapClaims)
	if claims["email"] != "user@example.com" {
		t.Errorf("email claim = %v", claims["email"])
	}
	if claims["user_type"] != constants.User {
		t.Errorf("user_type claim = %v", claims["user_type"])
	}
}

func TestRegisterInvalidUserType(t *testing.T) {
	svc := newTestService(newMockStorage())

	if _, err := svc.RegisterNewUser("user@example.com", "password123", "root"); !errors.Is(err, errs.ErrUserType) {
		t.Errorf("expected ErrUserType, got %v", err)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	storage := newMockStorage()
	svc := newTestService(storage)

	if _, err := svc.RegisterNewUser("user@example.com", "password123", constants.User); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Login("user@example.com", "wrong"); !errors.Is(err, errs.ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginUnknownUser(t *testing.T) {
	svc := newTestService(newMockStorage())

	if _, err := svc.Login("nobody@example.com", "password123"); !errors.Is(err, errs.ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestCreateInitialAdmin(t *testing.T) {
	t.Setenv("ADMIN_EMAIL", "admin@example.com")
	t.Setenv("ADMIN_PASSWORD", "admin-secret")

	storage := newMockStorage()
	svc := newTestService(storage)

	if err := svc.CreateInitialAdmin(); err != nil {
		t.Fatalf("first bootstrap failed: %v", err)
	}
	if !storage.adminSet["admin@example.com"] {
		t.Fatal("admin flag not set")
	}

	// Second call must be a no-op, not a duplicate insert.
	if err := svc.CreateInitialAdmin(); err != nil {
		t.Fatalf("second bootstrap failed: %v", err)
	}
	if len(storage.users) != 1 {
		t.Errorf("user count = %d, want 1", len(storage.users))
	}

	if err := bcrypt.CompareHashAndPassword(storage.users["admin@example.com"].PassHash, []byte("admin-secret")); err != nil {
		t.Errorf("admin password hash does not verify: %v", err)
	}
}

func TestCreateInitialAdminMissingEnv(t *testing.T) {
	t.Setenv("ADMIN_EMAIL", "")
	t.Setenv("ADMIN_PASSWORD", "")

	svc := newTestService(newMockStorage())

	if err := svc.CreateInitialAdmin(); err == nil {
		t.Error("expected error when bootstrap credentials are missing")
	}
}
