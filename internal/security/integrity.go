package security

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/mmeshcher/ticketdesk/internal/apperr"
	"github.com/mmeshcher/ticketdesk/internal/model"
)

// ComputeDigest вычисляет BLAKE3-дайджест снимка файлов. Порядок обхода
// фиксирован по пути, имя и длина каждого файла входят в хеш.
func ComputeDigest(snapshot map[string][]byte) string {
	paths := make([]string, 0, len(snapshot))
	for p := range snapshot {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := blake3.New()
	var size [8]byte
	for _, p := range paths {
		binary.BigEndian.PutUint64(size[:], uint64(len(p)))
		_, _ = h.Write(size[:])
		_, _ = h.Write([]byte(p))

		data := snapshot[p]
		binary.BigEndian.PutUint64(size[:], uint64(len(data)))
		_, _ = h.Write(size[:])
		_, _ = h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func readSnapshot(paths []string) (map[string][]byte, error) {
	snapshot := make(map[string][]byte, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		snapshot[p] = data
	}
	return snapshot, nil
}

func defaultIntegrityPaths() []string {
	exe, err := os.Executable()
	if err != nil {
		return nil
	}
	return []string{exe}
}

// VerifyIntegrity пересчитывает дайджест защищаемых файлов и сравнивает его
// с вычисленным при старте. Расхождение или пропажа файла фатальны.
func (g *Gate) VerifyIntegrity(ctx context.Context) error {
	if len(g.integrityPaths) == 0 {
		return nil
	}

	snapshot, err := readSnapshot(g.integrityPaths)
	if err != nil {
		g.audit.Record(ctx, model.EventIntegrityViolation, "", map[string]any{"error": err.Error()})
		return apperr.Wrap(apperr.KindIntegrityViolation, "", err)
	}

	current := ComputeDigest(snapshot)
	if current != g.baselineDigest {
		g.audit.Record(ctx, model.EventIntegrityViolation, "", map[string]any{
			"expected": g.baselineDigest,
			"actual":   current,
		})
		return apperr.New(apperr.KindIntegrityViolation, "", "core files digest mismatch")
	}
	return nil
}

// WatchIntegrity периодически проверяет целостность до отмены контекста.
// Первое нарушение возвращается как ошибка без повторных попыток.
func (g *Gate) WatchIntegrity(ctx context.Context, interval time.Duration) error {
	if len(g.integrityPaths) == 0 || interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := g.VerifyIntegrity(ctx); err != nil {
				g.log.Error("integrity check failed", zap.Error(err))
				return err
			}
		}
	}
}
