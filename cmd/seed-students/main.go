package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/stemsi/exstem-examtaker/internal/config"
	"github.com/stemsi/exstem-examtaker/internal/database"
	"github.com/stemsi/exstem-examtaker/internal/logger"
	"github.com/stemsi/exstem-examtaker/internal/model"
	"github.com/stemsi/exstem-examtaker/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

var names = []string{
	"Budi Santoso", "Siti Aminah", "Andi Pratama", "Rina Wati", "Joko Susilo",
	"Ayu Lestari", "Dodi Kusuma", "Eka Putri", "Fahri Hamzah", "Gita Savitri",
	"Hendra Gunawan", "Ika Sari", "Lukman Hakim", "Maya Septiana", "Nanda Pratama",
	"Putri Dian", "Rafi Ahmad", "Toni Setiawan", "Wahyu Hidayat", "Zaki Anwar",
}

func main() {
	count := flag.Int("count", 20, "Number of demo students to create")
	classID := flag.Int("class", 1, "Class ID the students belong to")
	password := flag.String("password", "stemsijaya", "Password shared by all demo students")
	prefix := flag.String("prefix", "demo", "NISN prefix; students get <prefix><n>")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	studentRepo := repository.NewStudentRepository(pool)

	// One hash for everyone; the password is shared anyway.
	hash, err := bcrypt.GenerateFromPassword([]byte(*password), cfg.BcryptCost)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to hash password")
	}

	fmt.Printf("=== Seeding %d Students into class %d ===\n", *count, *classID)

	created, skipped := 0, 0
	for i := 0; i < *count; i++ {
		student := &model.Student{
			NISN:         fmt.Sprintf("%s%d", *prefix, i+1),
			Name:         names[i%len(names)],
			PasswordHash: string(hash),
			ClassID:      *classID,
		}

		if err := studentRepo.Create(ctx, student); err != nil {
			if errors.Is(err, repository.ErrDuplicateNISN) {
				skipped++
				continue
			}
			log.Error().Err(err).Str("nisn", student.NISN).Msg("Failed to create student")
			continue
		}
		created++
		if created%10 == 0 {
			fmt.Printf("Created %d students...\n", created)
		}
	}

	fmt.Printf("\nSeed completed! Created %d, skipped %d existing, out of %d.\n", created, skipped, *count)
}
