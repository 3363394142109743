package pdp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"pdp-submission-service/internal/domain"
)

// simulatedRejections は決定的に選ばれる却下理由。
var simulatedRejections = []struct {
	code    string
	message string
}{
	{"REJ-SIREN", "recipient SIREN is not registered in the directory"},
	{"REJ-SCHEMA", "document does not conform to the EN 16931 schema"},
	{"REJ-DUPLICATE", "an invoice with the same number was already received"},
}

// acceptRatePercent は受理される参照の割合（%）。
const acceptRatePercent = 90

// Simulator は外部通信を行わず判定を合成するPDP。
// 同じ参照番号には常に同じ判定を返す。
type Simulator struct {
	delay time.Duration
	now   func() time.Time
}

// NewSimulator は delay 経過後に最終判定を返す Simulator を生成する。
func NewSimulator(delay time.Duration) *Simulator {
	return &Simulator{delay: delay, now: time.Now}
}

// Submit は参照番号を採番して送信を受け付ける。
func (s *Simulator) Submit(_ context.Context, artifact []byte, meta domain.SubmissionMeta) (domain.SubmitResult, error) {
	h := sha256.New()
	h.Write([]byte(meta.SubmissionID))
	h.Write(artifact)
	sum := hex.EncodeToString(h.Sum(nil))

	return domain.SubmitResult{
		Accepted:          true,
		ProviderReference: fmt.Sprintf("SIM-%d-%s", s.now().Unix(), sum[:8]),
		Message:           "accepted for processing (simulation)",
	}, nil
}

// CheckStatus は参照番号から判定を合成する。
func (s *Simulator) CheckStatus(_ context.Context, providerRef string) (domain.StatusResult, error) {
	submittedAt, err := parseSimulatedReference(providerRef)
	if err != nil {
		return domain.StatusResult{}, err
	}
	if s.now().Sub(submittedAt) < s.delay {
		return domain.StatusResult{Status: domain.VerdictProcessing}, nil
	}

	bucket := referenceBucket(providerRef)
	if bucket%100 < acceptRatePercent {
		return domain.StatusResult{Status: domain.VerdictAccepted, Message: "accepted (simulation)"}, nil
	}
	r := simulatedRejections[bucket%uint32(len(simulatedRejections))]
	return domain.StatusResult{Status: domain.VerdictRejected, Code: r.code, Message: r.message}, nil
}

func parseSimulatedReference(ref string) (time.Time, error) {
	parts := strings.Split(ref, "-")
	if len(parts) != 3 || parts[0] != "SIM" || len(parts[2]) != 8 {
		return time.Time{}, fmt.Errorf("%w: malformed simulation reference %q", domain.ErrPermanentSubmission, ref)
	}
	sec, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: malformed simulation reference %q", domain.ErrPermanentSubmission, ref)
	}
	return time.Unix(sec, 0), nil
}

func referenceBucket(ref string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(ref))
	return h.Sum32()
}
