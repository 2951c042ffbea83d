package services

import (
	"context"
	"fmt"
	"log"

	"github.com/bracketsync/server/internal/config"
	"github.com/bracketsync/server/internal/models"
	"github.com/bracketsync/server/internal/repository"
)

// BootstrapService creates the first user account on an empty database
// so a fresh install can authenticate at all
type BootstrapService struct {
	userRepo repository.UserRepo
	security config.Security
}

// NewBootstrapService creates a new bootstrap service
func NewBootstrapService(userRepo repository.UserRepo, security config.Security) *BootstrapService {
	return &BootstrapService{
		userRepo: userRepo,
		security: security,
	}
}

// EnsureFirstUser creates a bootstrap account when no users exist. The
// generated API key is printed to the console exactly once; rotate it
// through /api/auth/provision afterwards.
func (s *BootstrapService) EnsureFirstUser(ctx context.Context) error {
	count, err := s.userRepo.GetCount(ctx)
	if err != nil {
		return fmt.Errorf("counting users: %w", err)
	}
	if count > 0 {
		return nil // Someone can already sign in
	}

	email := s.security.BootstrapEmail
	if email == "" {
		email = "organizer@bracketsync.local"
	}

	user, err := models.NewUser(email, "Bootstrap Organizer")
	if err != nil {
		return fmt.Errorf("creating bootstrap user: %w", err)
	}

	password := s.security.BootstrapPassword
	generatedPassword := false
	if password == "" {
		password, err = models.GenerateAPIKey()
		if err != nil {
			return fmt.Errorf("generating bootstrap password: %w", err)
		}
		generatedPassword = true
	}
	if err := user.SetPassword(password); err != nil {
		return fmt.Errorf("setting bootstrap password: %w", err)
	}

	if err := s.userRepo.Add(ctx, user); err != nil {
		return fmt.Errorf("saving bootstrap user: %w", err)
	}

	// Log to console in a box
	log.Println("╔════════════════════════════════════════════════════════════════════════════╗")
	log.Println("║                        BOOTSTRAP ACCOUNT CREATED                           ║")
	log.Println("╠════════════════════════════════════════════════════════════════════════════╣")
	log.Printf("║  Email:   %-64s ║\n", user.Email)
	log.Printf("║  API Key: %-64s ║\n", user.APIKey)
	if generatedPassword {
		log.Printf("║  Password: %-63s ║\n", password)
	}
	log.Println("║                                                                            ║")
	log.Println("║  The API key is shown only once. Rotate it with POST /api/auth/provision  ║")
	log.Println("╚════════════════════════════════════════════════════════════════════════════╝")

	return nil
}
