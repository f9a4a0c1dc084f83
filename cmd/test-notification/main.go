package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"
	"time"

	"github.com/subosito/gotenv"
	"go.uber.org/zap"

	"github.com/garyjia/clinic-workflow/internal/config"
	"github.com/garyjia/clinic-workflow/internal/domain/entity"
	domainwf "github.com/garyjia/clinic-workflow/internal/domain/workflow"
	"github.com/garyjia/clinic-workflow/internal/infrastructure/external/lark"
)

// Sends a test message and a sample consultation card to one Lark user,
// independently of the rest of the service.
func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	card := flag.Bool("card", false, "send a sample consultation-ready card instead of plain text")
	flag.Parse()

	if flag.NArg() != 1 || !strings.HasPrefix(flag.Arg(0), "ou_") {
		fmt.Fprintln(os.Stderr, "usage: test-notification [-config path] [-card] <open_id>")
		os.Exit(2)
	}
	openID := flag.Arg(0)

	if err := gotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Failed to load .env: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if !cfg.Lark.Enabled() {
		log.Fatal("LARK_APP_ID and LARK_APP_SECRET must be set")
	}

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	client := lark.NewClient(lark.Config{
		AppID:     cfg.Lark.AppID,
		AppSecret: cfg.Lark.AppSecret,
		BaseURL:   cfg.Lark.BaseURL,
	}, logger)
	messenger := lark.NewMessenger(client, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if *card {
		now := time.Now().UTC()
		rec := &entity.WorkflowRecord{
			ID:               "wf-test",
			PatientID:        "patient-test",
			InvoiceID:        "invoice-test",
			ConsultationType: entity.ConsultationGeneral,
			Status:           domainwf.StateConsultationReady,
			DoctorID:         "doctor-test",
			VitalSignsID:     "vitals-test",
			CreatedAt:        now,
			UpdatedAt:        now,
			Version:          3,
		}
		doctor := entity.Doctor{ID: "doctor-test", Name: "Test Doctor", IsActive: true, LarkOpenID: openID}
		if err := messenger.NotifyConsultationReady(ctx, doctor, rec); err != nil {
			log.Fatalf("Failed to send card: %v", err)
		}
		fmt.Println("✓ consultation card sent")
		return
	}

	if err := messenger.SendText(ctx, openID, "Clinic workflow notification test "+time.Now().Format(time.RFC3339)); err != nil {
		log.Fatalf("Failed to send message: %v", err)
	}
	fmt.Println("✓ text message sent")
}
