package split

// Wire message shapes. These round-trip over the pub/sub channels and
// must not change field names; older clients still speak them.

// Response statuses, also used for the per-target tracking inside a
// session.
const (
	ResponsePending  = "pending"
	ResponseAccepted = "accepted"
	ResponseRejected = "rejected"
)

// ItemRef references one catalog item inside a composite cart.
type ItemRef struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// ItemDetails is the subject snapshot embedded in a share request. Price
// is display-only: recipients re-fetch the authoritative price and never
// trust this one.
type ItemDetails struct {
	Name        string    `json:"name"`
	Price       float64   `json:"price"`
	Quantity    int       `json:"quantity"`
	ProductID   string    `json:"productId"`
	Items       []ItemRef `json:"items,omitempty"`
	TotalParts  int       `json:"totalParts"`
	TableID     string    `json:"tableId"`
	RequesterID string    `json:"requesterId"`
}

// ShareRequest is the addressed negotiation request sent on the target's
// user channel.
type ShareRequest struct {
	ItemDetails   ItemDetails `json:"itemDetails"`
	TargetUserID  string      `json:"targetUserId"`
	RequesterName string      `json:"requesterName"`
	RequesterID   string      `json:"requesterId"`
}

// SplitRequest is the legacy table-channel broadcast announcing a split
// proposal. Kept for backward compatibility with clients that only
// listen on the table channel.
type SplitRequest struct {
	OrderID       string   `json:"orderId"`
	ItemName      string   `json:"itemName"`
	TargetIDs     []string `json:"targetIds"`
	RequesterName string   `json:"requesterName"`
	RequesterID   string   `json:"requesterId"`
}

// Response is a target's accept/reject decision, sent back on the
// requester's user channel.
type Response struct {
	Status        string `json:"status"`
	ResponderName string `json:"responderName"`
	ResponderID   string `json:"responderId"`
}

// StatusUpdate is a passive order lifecycle notification broadcast on
// the table channel. It never affects the negotiation protocol.
type StatusUpdate struct {
	OrderID  string `json:"orderId"`
	ItemName string `json:"itemName"`
	Status   string `json:"status"`
	TableID  string `json:"tableId"`
}
