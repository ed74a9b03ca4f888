package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions. Descriptions are what the model reads to choose a tool.

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Look up one escrow by ID. Shows the parties, amount, current status "+
			"and whether the payout or refund has settled."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID, e.g. 'esc_3f2a...'")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List escrows where a user is buyer or seller, newest first."),
	mcp.WithString("user_id",
		mcp.Description("User to list for. Defaults to the configured user.")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous list_escrows call, for the next page")),
)

var ToolCreateEscrow = mcp.NewTool("create_escrow",
	mcp.WithDescription(
		"Open a new escrow with the configured user as buyer. Funds are held "+
			"once the payment provider confirms the buyer's payment."),
	mcp.WithString("seller_id",
		mcp.Required(),
		mcp.Description("Seller's user ID")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount as a decimal string, e.g. '5000' or '12.50'")),
	mcp.WithString("currency",
		mcp.Description("ISO 4217 currency code. Defaults to the server's currency.")),
	mcp.WithString("description",
		mcp.Description("What is being bought")),
)

var ToolConfirmDelivery = mcp.NewTool("confirm_delivery",
	mcp.WithDescription(
		"Confirm, as the buyer, that the service was delivered. This authorizes "+
			"release of the held funds to the seller."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID")),
)

var ToolReleaseFunds = mcp.NewTool("release_funds",
	mcp.WithDescription(
		"Pay the held funds out to the seller. Only works after delivery is confirmed "+
			"and no dispute is open. Safe to repeat."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID")),
)

var ToolOpenDispute = mcp.NewTool("open_dispute",
	mcp.WithDescription(
		"Dispute an escrow. The funds stay frozen until an operator refunds the "+
			"buyer or releases to the seller; automatic release is blocked."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the delivery was unsatisfactory")),
)
