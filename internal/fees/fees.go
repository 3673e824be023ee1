package fees

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/workme/wallet-escrow/internal/domain"
)

// Taxas padrão: 5% de taxa da plataforma e 2% de cashback.
var (
	DefaultFeeRate      = decimal.RequireFromString("0.05")
	DefaultCashbackRate = decimal.RequireFromString("0.02")
)

// Breakdown é a divisão de um valor de reserva na conclusão
type Breakdown struct {
	Amount   domain.Amount `json:"amount"`
	Fee      domain.Amount `json:"fee"`
	Net      domain.Amount `json:"net"`
	Cashback domain.Amount `json:"cashback"`
}

// Calculator calcula taxa e cashback arredondando para baixo em centavos
type Calculator struct {
	feeRate      decimal.Decimal
	cashbackRate decimal.Decimal
}

// NewCalculator cria um Calculator; taxas devem estar em [0, 1)
func NewCalculator(feeRate, cashbackRate decimal.Decimal) (*Calculator, error) {
	one := decimal.NewFromInt(1)
	if feeRate.IsNegative() || feeRate.GreaterThanOrEqual(one) {
		return nil, fmt.Errorf("fee rate must be in [0, 1), got %s", feeRate)
	}
	if cashbackRate.IsNegative() || cashbackRate.GreaterThanOrEqual(one) {
		return nil, fmt.Errorf("cashback rate must be in [0, 1), got %s", cashbackRate)
	}
	return &Calculator{feeRate: feeRate, cashbackRate: cashbackRate}, nil
}

// NewDefaultCalculator usa 5% / 2%
func NewDefaultCalculator() *Calculator {
	return &Calculator{feeRate: DefaultFeeRate, cashbackRate: DefaultCashbackRate}
}

// FromBasisPoints converte pontos-base (500 = 5%) numa taxa decimal
func FromBasisPoints(bps int64) decimal.Decimal {
	return decimal.New(bps, -4)
}

func (c *Calculator) FeeRate() decimal.Decimal      { return c.feeRate }
func (c *Calculator) CashbackRate() decimal.Decimal { return c.cashbackRate }

// Fee = floor(amount * feeRate)
func (c *Calculator) Fee(amount domain.Amount) domain.Amount {
	return portion(amount, c.feeRate)
}

// Cashback = floor(amount * cashbackRate)
func (c *Calculator) Cashback(amount domain.Amount) domain.Amount {
	return portion(amount, c.cashbackRate)
}

// Split retorna a divisão completa; Net + Fee == Amount sempre.
func (c *Calculator) Split(amount domain.Amount) Breakdown {
	fee := c.Fee(amount)
	return Breakdown{
		Amount:   amount,
		Fee:      fee,
		Net:      amount - fee,
		Cashback: c.Cashback(amount),
	}
}

func portion(amount domain.Amount, rate decimal.Decimal) domain.Amount {
	if amount <= 0 {
		return 0
	}
	return domain.Amount(decimal.NewFromInt(int64(amount)).Mul(rate).Floor().IntPart())
}
