package domain

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewTransactionID gera um ULID; a ordem lexicográfica segue a ordem de criação.
func NewTransactionID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// SnapshotBound retorna o maior ULID possível para o instante t.
// Usado como limite superior inclusivo de uma listagem.
func SnapshotBound(t time.Time) string {
	var id ulid.ULID
	_ = id.SetTime(ulid.Timestamp(t))
	for i := 6; i < len(id); i++ {
		id[i] = 0xFF
	}
	return id.String()
}

// NewProviderReference gera a referência enviada ao provedor de pagamento
func NewProviderReference(prefix string, t time.Time) string {
	return prefix + "-" + NewTransactionID(t)
}

// NewBookingID gera o ID de uma reserva
func NewBookingID() string {
	return uuid.New().String()
}
