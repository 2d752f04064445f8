// Command chainverify replays the clock ledger in PostgreSQL and reports
// the first broken record. It exits 0 when the chain is intact, 1 on a
// violation and 2 when the check could not run.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"timeclock/internal/domain/timeclock"
	"timeclock/internal/platform/config"
	"timeclock/internal/platform/db"
)

func main() {
	cfg := config.Load()
	dsn := flag.String("database-url", cfg.DatabaseURL, "PostgreSQL connection string")
	timeout := flag.Duration("timeout", 10*time.Minute, "abort the scan after this long")
	pdfPath := flag.String("pdf", "", "also write an attestation PDF to this path")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	os.Exit(run(*dsn, *timeout, *pdfPath, cfg.TOTPIssuer))
}

func run(dsn string, timeout time.Duration, pdfPath, issuer string) int {
	if dsn == "" {
		slog.Error("DATABASE_URL or -database-url is required")
		return 2
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		slog.Error("db connect failed", "err", err)
		return 2
	}
	defer pool.Close()

	svc := timeclock.NewService(timeclock.NewPGStore(pool), nil)
	result, err := svc.VerifyChain(ctx)
	if err != nil {
		slog.Error("verification failed", "err", err)
		return 2
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		slog.Error("encode result failed", "err", err)
		return 2
	}
	fmt.Println(string(out))

	if pdfPath != "" {
		pdf, err := timeclock.RenderAttestation(result, issuer)
		if err != nil {
			slog.Error("render attestation failed", "err", err)
			return 2
		}
		if err := os.WriteFile(pdfPath, pdf, 0o644); err != nil {
			slog.Error("write attestation failed", "path", pdfPath, "err", err)
			return 2
		}
	}

	if !result.Valid {
		slog.Error("ledger integrity violation", "sequence", result.Violation.Sequence, "reason", result.Violation.Reason)
		return 1
	}
	return 0
}
