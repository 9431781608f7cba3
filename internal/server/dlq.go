package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// dlqEntry records a completion the platform never accepted, for manual
// replay by an operator.
type dlqEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	PaymentID string    `json:"paymentId"`
	TxID      string    `json:"txid,omitempty"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error"`
}

func (s *Server) writeDLQ(ctx context.Context, entry dlqEntry) {
	if s.cfg.Service.DLQPath == "" {
		return
	}
	entry.Timestamp = s.now().UTC()

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		s.logger.ErrorContext(ctx, "dlq marshal", slog.Any("error", err))
		return
	}
	if err := os.MkdirAll(s.cfg.Service.DLQPath, 0o755); err != nil {
		s.logger.ErrorContext(ctx, "dlq mkdir", slog.Any("error", err))
		return
	}

	filename := fmt.Sprintf("%d-%s.json", entry.Timestamp.UnixNano(), safeName(entry.PaymentID))
	path := filepath.Join(s.cfg.Service.DLQPath, filename)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		s.logger.ErrorContext(ctx, "dlq write", slog.String("path", path), slog.Any("error", err))
		return
	}
	s.logger.WarnContext(ctx, "payment moved to dlq", slog.String("payment_id", entry.PaymentID), slog.String("path", path))

	s.updateDLQDepth()
}

// safeName keeps payment ids from escaping the DLQ directory.
func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

func (s *Server) updateDLQDepth() int {
	depth := s.currentDLQDepth()
	if s.metrics != nil {
		s.metrics.setDLQDepth(depth)
	}
	return depth
}

func (s *Server) currentDLQDepth() int {
	if s.cfg.Service.DLQPath == "" {
		return 0
	}
	entries, err := os.ReadDir(s.cfg.Service.DLQPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("dlq read", slog.Any("error", err))
		}
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	return n
}
