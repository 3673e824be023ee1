package notify

import (
	"github.com/workme/wallet-escrow/internal/domain"
)

func DepositConfirmed(t *domain.Transaction) Notification {
	return Notification{
		Title: "Depósito confirmado",
		Body:  "R$ " + t.Amount.String() + " foram adicionados à sua carteira.",
		Data:  map[string]string{"transaction_id": t.ID, "type": string(t.Type)},
	}
}

func WithdrawalFailed(t *domain.Transaction) Notification {
	return Notification{
		Title: "Saque não realizado",
		Body:  "O saque de R$ " + t.Amount.Abs().String() + " falhou e o valor voltou para sua carteira.",
		Data:  map[string]string{"transaction_id": t.ID, "type": string(t.Type)},
	}
}

func WithdrawalCompleted(t *domain.Transaction) Notification {
	return Notification{
		Title: "Saque concluído",
		Body:  "O saque de R$ " + t.Amount.Abs().String() + " foi enviado para sua chave PIX.",
		Data:  map[string]string{"transaction_id": t.ID, "type": string(t.Type)},
	}
}

// BookingChanged avisa cliente ou profissional sobre a nova situação da reserva
func BookingChanged(b *domain.Booking) Notification {
	var title string
	switch b.Status {
	case domain.BookingStatusFunded:
		title = "Reserva confirmada"
	case domain.BookingStatusCompleted:
		title = "Serviço concluído"
	case domain.BookingStatusRefunded:
		title = "Reserva cancelada e reembolsada"
	case domain.BookingStatusDisputed:
		title = "Reserva em disputa"
	default:
		title = "Reserva atualizada"
	}
	return Notification{
		Title: title,
		Body:  "Reserva de R$ " + b.Amount.String(),
		Data:  map[string]string{"booking_id": b.ID, "status": string(b.Status)},
	}
}
