package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/shopspring/decimal"
)

const defaultListLimit = 20

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
	userID string
}

// NewHandlers creates tool handlers acting for userID.
func NewHandlers(client *Client, userID string) *Handlers {
	return &Handlers{client: client, userID: userID}
}

// HandleGetEscrow shows one escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	e, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(formatEscrow(e)), nil
}

// HandleListEscrows lists a user's escrows.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", h.userID)
	if userID == "" {
		return mcp.NewToolResultError("user_id is required (no default user configured)"), nil
	}
	limit := req.GetInt("limit", defaultListLimit)

	escrows, next, err := h.client.ListEscrows(ctx, userID, limit, req.GetString("cursor", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}
	if len(escrows) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No escrows found for %s.", userID)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrows for %s (%d):\n", userID, len(escrows))
	for i := range escrows {
		e := &escrows[i]
		role := "seller"
		if e.BuyerID == userID {
			role = "buyer"
		}
		fmt.Fprintf(&sb, "\n- %s: %s %s, %s (as %s)", e.ID, e.Amount, e.Currency, e.Status, role)
	}
	if next != "" {
		fmt.Fprintf(&sb, "\n\nMore results: call list_escrows with cursor %q", next)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCreateEscrow opens an escrow with the configured user as buyer.
func (h *Handlers) HandleCreateEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if h.userID == "" {
		return mcp.NewToolResultError("no buyer configured; set SAFEHOLD_USER_ID"), nil
	}
	seller := req.GetString("seller_id", "")
	if seller == "" {
		return mcp.NewToolResultError("seller_id is required"), nil
	}
	amount := req.GetString("amount", "")
	if d, err := decimal.NewFromString(amount); err != nil || !d.IsPositive() {
		return mcp.NewToolResultError("amount must be a positive decimal, e.g. '5000' or '12.50'"), nil
	}

	e, err := h.client.CreateEscrow(ctx, seller, amount, req.GetString("currency", ""), req.GetString("description", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create escrow: %v", err)), nil
	}
	return mcp.NewToolResultText("Escrow created.\n\n" + formatEscrow(e) +
		"\n\nFunds are held once the payment provider confirms the buyer's payment."), nil
}

// HandleConfirmDelivery confirms delivery as the buyer.
func (h *Handlers) HandleConfirmDelivery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.act(ctx, req, "confirm", "Delivery confirmed. Funds can now be released to the seller.")
}

// HandleReleaseFunds pays out to the seller.
func (h *Handlers) HandleReleaseFunds(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.act(ctx, req, "release", "Release requested.")
}

// HandleOpenDispute freezes an escrow.
func (h *Handlers) HandleOpenDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	reason := strings.TrimSpace(req.GetString("reason", ""))
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}
	e, err := h.client.OpenDispute(ctx, id, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to open dispute: %v", err)), nil
	}
	return mcp.NewToolResultText("Dispute opened. An operator will refund the buyer or release to the seller.\n\n" +
		formatEscrow(e)), nil
}

func (h *Handlers) act(ctx context.Context, req mcp.CallToolRequest, action, done string) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	e, err := h.client.Act(ctx, id, action)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s escrow: %v", action, err)), nil
	}
	return mcp.NewToolResultText(done + "\n\n" + formatEscrow(e)), nil
}

func formatEscrow(e *Escrow) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s\n", e.ID)
	fmt.Fprintf(&sb, "  Buyer:  %s\n", e.BuyerID)
	fmt.Fprintf(&sb, "  Seller: %s\n", e.SellerID)
	fmt.Fprintf(&sb, "  Amount: %s %s\n", e.Amount, e.Currency)
	fmt.Fprintf(&sb, "  Status: %s", e.Status)
	if e.Description != "" {
		fmt.Fprintf(&sb, "\n  For:    %s", e.Description)
	}
	if e.DisputeReason != "" {
		fmt.Fprintf(&sb, "\n  Dispute: %s", e.DisputeReason)
	}
	if s := e.Settlement; s != nil {
		fmt.Fprintf(&sb, "\n  Settlement: %s %s after %d attempt(s)", s.Kind, s.State, s.Attempts)
	}
	return sb.String()
}
