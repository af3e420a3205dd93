package defender

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/sentinel/internal/action"
)

const hostTamperScore = 55

// IntegrityMonitor keeps a baseline content hash for each protected path,
// captured once at startup. Drift is always reported, never absorbed: the
// baseline is immutable for the life of the process.
type IntegrityMonitor struct {
	baseline map[string]string // path -> sha256 hex; "" means missing at baseline
}

// NewIntegrityMonitor captures the baseline for the configured paths. A path
// missing at startup is recorded as such; if it appears later that counts as
// drift too.
func NewIntegrityMonitor(paths []string) *IntegrityMonitor {
	baseline := make(map[string]string, len(paths))
	for _, path := range paths {
		sum, err := hashFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Warn().Err(err).Str("path", path).Msg("integrity baseline capture failed")
			}
			baseline[path] = ""
			continue
		}
		baseline[path] = sum
	}
	return &IntegrityMonitor{baseline: baseline}
}

// Check compares every protected path against its baseline and emits one
// high-score host_tamper signal per drifted path.
func (m *IntegrityMonitor) Check() []action.RiskSignal {
	var signals []action.RiskSignal
	for path, want := range m.baseline {
		got, err := hashFile(path)
		switch {
		case err != nil && os.IsNotExist(err):
			got = ""
		case err != nil:
			signals = append(signals, action.RiskSignal{
				Name:      "host_tamper",
				Score:     hostTamperScore,
				Rationale: fmt.Sprintf("protected path %s unreadable: %v", path, err),
			})
			continue
		}
		if got == want {
			continue
		}
		rationale := fmt.Sprintf("protected path %s content drifted from baseline", path)
		if got == "" {
			rationale = fmt.Sprintf("protected path %s missing (present at baseline)", path)
		} else if want == "" {
			rationale = fmt.Sprintf("protected path %s appeared (missing at baseline)", path)
		}
		signals = append(signals, action.RiskSignal{
			Name:      "host_tamper",
			Score:     hostTamperScore,
			Rationale: rationale,
		})
	}
	return signals
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
