package handler

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/fuselabs/crossfill/internal/domain"
)

// orderPayload is the wire representation of a limit order. Addresses and
// hashes are 0x-prefixed hex; amounts are decimal strings.
type orderPayload struct {
	Salt         uint64             `json:"salt"`
	Maker        string             `json:"maker"`
	Receiver     string             `json:"receiver,omitempty"`
	MakerAsset   string             `json:"maker_asset"`
	TakerAsset   string             `json:"taker_asset"`
	MakingAmount string             `json:"making_amount"`
	TakingAmount string             `json:"taking_amount"`
	Traits       makerTraitsPayload `json:"traits"`
}

type makerTraitsPayload struct {
	Mode               string `json:"mode"` // "remaining" or "bit"
	UseEpochManager    bool   `json:"use_epoch_manager,omitempty"`
	HasExtension       bool   `json:"has_extension,omitempty"`
	NonceOrEpoch       uint64 `json:"nonce_or_epoch,omitempty"`
	Series             uint64 `json:"series,omitempty"`
	AllowPartialFills  bool   `json:"allow_partial_fills"`
	AllowMultipleFills bool   `json:"allow_multiple_fills"`
	Expiration         uint64 `json:"expiration,omitempty"`
	AllowedSender      string `json:"allowed_sender,omitempty"`
}

func (p *orderPayload) decode() (*domain.Order, error) {
	maker, ok := parseAddress(p.Maker)
	if !ok {
		return nil, fmt.Errorf("invalid maker address %q", p.Maker)
	}
	makerAsset, ok := parseAddress(p.MakerAsset)
	if !ok {
		return nil, fmt.Errorf("invalid maker_asset address %q", p.MakerAsset)
	}
	takerAsset, ok := parseAddress(p.TakerAsset)
	if !ok {
		return nil, fmt.Errorf("invalid taker_asset address %q", p.TakerAsset)
	}
	making, ok := parseBig(p.MakingAmount)
	if !ok {
		return nil, fmt.Errorf("invalid making_amount %q", p.MakingAmount)
	}
	taking, ok := parseBig(p.TakingAmount)
	if !ok {
		return nil, fmt.Errorf("invalid taking_amount %q", p.TakingAmount)
	}

	order := &domain.Order{
		Salt:         p.Salt,
		Maker:        maker,
		MakerAsset:   makerAsset,
		TakerAsset:   takerAsset,
		MakingAmount: making,
		TakingAmount: taking,
	}

	if p.Receiver != "" {
		receiver, ok := parseAddress(p.Receiver)
		if !ok {
			return nil, fmt.Errorf("invalid receiver address %q", p.Receiver)
		}
		order.Receiver = receiver
	}

	traits, err := p.Traits.decode()
	if err != nil {
		return nil, err
	}
	order.Traits = traits

	return order, nil
}

func (p *makerTraitsPayload) decode() (domain.MakerTraits, error) {
	t := domain.MakerTraits{
		UseEpochManager:    p.UseEpochManager,
		HasExtension:       p.HasExtension,
		NonceOrEpoch:       p.NonceOrEpoch,
		Series:             p.Series,
		AllowPartialFills:  p.AllowPartialFills,
		AllowMultipleFills: p.AllowMultipleFills,
		Expiration:         p.Expiration,
	}

	switch p.Mode {
	case "", "remaining":
		t.Mode = domain.InvalidationRemaining
	case "bit":
		t.Mode = domain.InvalidationBit
	default:
		return domain.MakerTraits{}, fmt.Errorf("invalid traits mode %q (valid: remaining, bit)", p.Mode)
	}

	if p.AllowedSender != "" {
		sender, ok := parseAddress(p.AllowedSender)
		if !ok {
			return domain.MakerTraits{}, fmt.Errorf("invalid allowed_sender address %q", p.AllowedSender)
		}
		t.AllowedSender = sender
	}

	return t, nil
}

// extensionPayload carries the optional extension blobs as hex strings.
type extensionPayload struct {
	MakerAmountData     string `json:"maker_amount_data,omitempty"`
	TakerAmountData     string `json:"taker_amount_data,omitempty"`
	PredicateData       string `json:"predicate_data,omitempty"`
	PermitData          string `json:"permit_data,omitempty"`
	PreInteractionData  string `json:"pre_interaction_data,omitempty"`
	PostInteractionData string `json:"post_interaction_data,omitempty"`
}

func (p *extensionPayload) decode() (*domain.Extension, error) {
	ext := &domain.Extension{}
	var ok bool
	if ext.MakerAmountData, ok = parseHexBytes(p.MakerAmountData); !ok {
		return nil, fmt.Errorf("invalid maker_amount_data hex")
	}
	if ext.TakerAmountData, ok = parseHexBytes(p.TakerAmountData); !ok {
		return nil, fmt.Errorf("invalid taker_amount_data hex")
	}
	if ext.PredicateData, ok = parseHexBytes(p.PredicateData); !ok {
		return nil, fmt.Errorf("invalid predicate_data hex")
	}
	if ext.PermitData, ok = parseHexBytes(p.PermitData); !ok {
		return nil, fmt.Errorf("invalid permit_data hex")
	}
	if ext.PreInteractionData, ok = parseHexBytes(p.PreInteractionData); !ok {
		return nil, fmt.Errorf("invalid pre_interaction_data hex")
	}
	if ext.PostInteractionData, ok = parseHexBytes(p.PostInteractionData); !ok {
		return nil, fmt.Errorf("invalid post_interaction_data hex")
	}
	return ext, nil
}

type takerTraitsPayload struct {
	AllowExpiredOrders bool   `json:"allow_expired_orders,omitempty"`
	Threshold          string `json:"threshold,omitempty"`
}

func (p *takerTraitsPayload) decode() (domain.TakerTraits, error) {
	t := domain.TakerTraits{AllowExpiredOrders: p.AllowExpiredOrders}
	if p.Threshold != "" {
		th, ok := parseBig(p.Threshold)
		if !ok {
			return domain.TakerTraits{}, fmt.Errorf("invalid threshold %q", p.Threshold)
		}
		t.Threshold = th
	}
	return t, nil
}

// timelocksPayload mirrors domain.Timelocks with explicit unix-second fields.
type timelocksPayload struct {
	DeployedAt uint64 `json:"deployed_at"`

	SrcWithdrawal         uint64 `json:"src_withdrawal"`
	SrcPublicWithdrawal   uint64 `json:"src_public_withdrawal"`
	SrcCancellation       uint64 `json:"src_cancellation"`
	SrcPublicCancellation uint64 `json:"src_public_cancellation"`

	DstWithdrawal       uint64 `json:"dst_withdrawal"`
	DstPublicWithdrawal uint64 `json:"dst_public_withdrawal"`
	DstCancellation     uint64 `json:"dst_cancellation"`
}

func (p timelocksPayload) decode() domain.Timelocks {
	return domain.Timelocks{
		DeployedAt:            p.DeployedAt,
		SrcWithdrawal:         p.SrcWithdrawal,
		SrcPublicWithdrawal:   p.SrcPublicWithdrawal,
		SrcCancellation:       p.SrcCancellation,
		SrcPublicCancellation: p.SrcPublicCancellation,
		DstWithdrawal:         p.DstWithdrawal,
		DstPublicWithdrawal:   p.DstPublicWithdrawal,
		DstCancellation:       p.DstCancellation,
	}
}

func timelocksFromDomain(t domain.Timelocks) timelocksPayload {
	return timelocksPayload{
		DeployedAt:            t.DeployedAt,
		SrcWithdrawal:         t.SrcWithdrawal,
		SrcPublicWithdrawal:   t.SrcPublicWithdrawal,
		SrcCancellation:       t.SrcCancellation,
		SrcPublicCancellation: t.SrcPublicCancellation,
		DstWithdrawal:         t.DstWithdrawal,
		DstPublicWithdrawal:   t.DstPublicWithdrawal,
		DstCancellation:       t.DstCancellation,
	}
}

// immutablesPayload is the wire form of one escrow's immutable parameters.
// Escrow mutations require the caller to resupply the full set; the service
// verifies it against the stored hash.
type immutablesPayload struct {
	OrderHash     string           `json:"order_hash"`
	Hashlock      string           `json:"hashlock"`
	Maker         string           `json:"maker"`
	Taker         string           `json:"taker"`
	Asset         string           `json:"asset"`
	Amount        string           `json:"amount"`
	SafetyDeposit string           `json:"safety_deposit"`
	Timelocks     timelocksPayload `json:"timelocks"`
}

func (p *immutablesPayload) decode() (domain.Immutables, error) {
	orderHash, ok := parseHash(p.OrderHash)
	if !ok {
		return domain.Immutables{}, fmt.Errorf("invalid order_hash %q", p.OrderHash)
	}
	hashlock, ok := parseHash(p.Hashlock)
	if !ok {
		return domain.Immutables{}, fmt.Errorf("invalid hashlock %q", p.Hashlock)
	}
	maker, ok := parseAddress(p.Maker)
	if !ok {
		return domain.Immutables{}, fmt.Errorf("invalid maker address %q", p.Maker)
	}
	taker, ok := parseAddress(p.Taker)
	if !ok {
		return domain.Immutables{}, fmt.Errorf("invalid taker address %q", p.Taker)
	}
	asset, ok := parseAddress(p.Asset)
	if !ok {
		return domain.Immutables{}, fmt.Errorf("invalid asset address %q", p.Asset)
	}
	amount, ok := parseBig(p.Amount)
	if !ok {
		return domain.Immutables{}, fmt.Errorf("invalid amount %q", p.Amount)
	}
	deposit, ok := parseBig(p.SafetyDeposit)
	if !ok {
		return domain.Immutables{}, fmt.Errorf("invalid safety_deposit %q", p.SafetyDeposit)
	}

	return domain.Immutables{
		OrderHash:     orderHash,
		Hashlock:      hashlock,
		Maker:         maker,
		Taker:         taker,
		Asset:         asset,
		Amount:        amount,
		SafetyDeposit: deposit,
		Timelocks:     p.Timelocks.decode(),
	}, nil
}

func immutablesFromDomain(imm domain.Immutables) immutablesPayload {
	return immutablesPayload{
		OrderHash:     imm.OrderHash.Hex(),
		Hashlock:      imm.Hashlock.Hex(),
		Maker:         imm.Maker.Hex(),
		Taker:         imm.Taker.Hex(),
		Asset:         imm.Asset.Hex(),
		Amount:        bigString(imm.Amount),
		SafetyDeposit: bigString(imm.SafetyDeposit),
		Timelocks:     timelocksFromDomain(imm.Timelocks),
	}
}

// receiptResponse is the JSON view of a fill receipt.
type receiptResponse struct {
	ID             string    `json:"id"`
	OrderHash      string    `json:"order_hash"`
	Maker          string    `json:"maker"`
	Taker          string    `json:"taker"`
	MakingAmount   string    `json:"making_amount"`
	TakingAmount   string    `json:"taking_amount"`
	RemainingAfter string    `json:"remaining_after"`
	CreatedAt      time.Time `json:"created_at"`
}

func receiptFromDomain(r domain.FillReceipt) receiptResponse {
	return receiptResponse{
		ID:             r.ID,
		OrderHash:      r.OrderHash.Hex(),
		Maker:          r.Maker.Hex(),
		Taker:          r.Taker.Hex(),
		MakingAmount:   bigString(r.MakingAmount),
		TakingAmount:   bigString(r.TakingAmount),
		RemainingAfter: bigString(r.RemainingAfter),
		CreatedAt:      r.CreatedAt,
	}
}

// escrowResponse is the JSON view of one escrow leg.
type escrowResponse struct {
	ID            string           `json:"id"`
	Leg           string           `json:"leg"`
	Status        string           `json:"status"`
	OrderHash     string           `json:"order_hash"`
	Hashlock      string           `json:"hashlock"`
	Maker         string           `json:"maker"`
	Taker         string           `json:"taker"`
	Asset         string           `json:"asset"`
	Amount        string           `json:"amount"`
	SafetyDeposit string           `json:"safety_deposit"`
	Timelocks     timelocksPayload `json:"timelocks"`
	CreatedAt     time.Time        `json:"created_at"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty"`
}

func escrowFromDomain(rec domain.EscrowRecord) escrowResponse {
	return escrowResponse{
		ID:            rec.ID,
		Leg:           rec.Leg.String(),
		Status:        string(rec.Status),
		OrderHash:     rec.Immutables.OrderHash.Hex(),
		Hashlock:      rec.Immutables.Hashlock.Hex(),
		Maker:         rec.Immutables.Maker.Hex(),
		Taker:         rec.Immutables.Taker.Hex(),
		Asset:         rec.Immutables.Asset.Hex(),
		Amount:        bigString(rec.Immutables.Amount),
		SafetyDeposit: bigString(rec.Immutables.SafetyDeposit),
		Timelocks:     timelocksFromDomain(rec.Immutables.Timelocks),
		CreatedAt:     rec.CreatedAt,
		ClosedAt:      rec.ClosedAt,
	}
}

// parseSecret decodes a 0x-prefixed 32-byte secret preimage.
func parseSecret(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != 32 {
		return out, fmt.Errorf("invalid secret: expected 0x-prefixed 32-byte hex")
	}
	copy(out[:], b)
	return out, nil
}
