package sequence

import (
	"context"
	"fmt"
	"strings"
	"ticket-rush/internal/model"
	apperrors "ticket-rush/pkg/app_errors"
	"ticket-rush/pkg/logger"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ticketCodePrefix   = "T"
	codeMaxAttempts    = 3
	base36Alphabet     = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	randomSuffixLength = 4
)

// CodeChecker 票碼是否已被使用
type CodeChecker interface {
	ExistsByTicketCode(ctx context.Context, ticketCode string) (bool, error)
}

// TicketCodeGenerator 票碼格式 T<yyyyMMdd><序號6位><使用者4位><隨機4位>
type TicketCodeGenerator struct {
	seq     Allocator
	checker CodeChecker
	node    *snowflake.Node
	random  func() string
	log     *zap.Logger
}

func NewTicketCodeGenerator(seq Allocator, checker CodeChecker, node *snowflake.Node) *TicketCodeGenerator {
	return &TicketCodeGenerator{
		seq:     seq,
		checker: checker,
		node:    node,
		random:  randomSuffix,
		log:     logger.WithComponent("sequence"),
	}
}

// Generate 檢查唯一性最多 codeMaxAttempts 次，之後改用 snowflake 產生的票碼
func (g *TicketCodeGenerator) Generate(ctx context.Context, stockKey string, userID int64) (string, error) {
	date, err := compactDate(stockKey)
	if err != nil {
		return "", err
	}

	for attempt := 1; attempt <= codeMaxAttempts; attempt++ {
		n, tier, err := g.seq.Next(ctx, "ticket:"+date, 1)
		if err != nil {
			g.log.Warn("ticket sequence unavailable", zap.String("stock_key", stockKey), zap.Error(err))
			break
		}
		code := fmt.Sprintf("%s%s%06d%04d%s", ticketCodePrefix, date, n%1_000_000, userID%10_000, g.random())

		taken, err := g.checker.ExistsByTicketCode(ctx, code)
		if err != nil {
			g.log.Warn("ticket code check failed", zap.String("ticket_code", code), zap.Error(err))
			continue
		}
		if !taken {
			return code, nil
		}
		g.log.Warn("ticket code collision",
			zap.String("ticket_code", code), zap.Stringer("tier", tier), zap.Int("attempt", attempt))
	}

	return g.Fallback(stockKey)
}

// Fallback 以 snowflake id 產生的票碼，不需要查重
func (g *TicketCodeGenerator) Fallback(stockKey string) (string, error) {
	date, err := compactDate(stockKey)
	if err != nil {
		return "", err
	}
	id := g.node.Generate()
	return ticketCodePrefix + date + "X" + strings.ToUpper(id.Base36()), nil
}

func compactDate(stockKey string) (string, error) {
	d, err := time.Parse(model.StockKeyLayout, stockKey)
	if err != nil {
		return "", fmt.Errorf("%w: stock key %q", apperrors.ErrInvalidInput, stockKey)
	}
	return d.Format("20060102"), nil
}

// randomSuffix 取 uuid v4 的隨機位元組轉成 base36
func randomSuffix() string {
	b := uuid.New()
	var sb strings.Builder
	for i := 0; i < randomSuffixLength; i++ {
		sb.WriteByte(base36Alphabet[int(b[i])%len(base36Alphabet)])
	}
	return sb.String()
}
