package port

import (
	"context"

	"github.com/rl1809/cart-ledger/internal/core/domain"
)

type ReceiptPublisher interface {
	PublishReceipt(ctx context.Context, receipt domain.Receipt) error
}
