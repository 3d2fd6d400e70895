package app

import (
	"time"

	"github.com/shopspring/decimal"
)

// MovementRequest is the input for ApplyMovement. Kind defaults from the sign of Delta.
type MovementRequest struct {
	ProductID   string           `json:"-"`
	WarehouseID string           `json:"-"`
	Delta       int64            `json:"delta"`
	Kind        string           `json:"kind,omitempty"`
	UnitCost    *decimal.Decimal `json:"unit_cost,omitempty"`
	Method      string           `json:"method,omitempty"`
	Reference   string           `json:"reference,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Actor       string           `json:"-"`
}

// CountRequest is the input for CountStock.
type CountRequest struct {
	ProductID   string           `json:"-"`
	WarehouseID string           `json:"-"`
	NewQty      int64            `json:"new_qty"`
	UnitCost    *decimal.Decimal `json:"unit_cost,omitempty"`
	Reference   string           `json:"reference,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Actor       string           `json:"-"`
}

// PolicyRequest is the input for UpdatePolicy.
type PolicyRequest struct {
	ProductID       string `json:"-"`
	WarehouseID     string `json:"-"`
	ReorderPoint    int64  `json:"reorder_point"`
	ReorderQuantity int64  `json:"reorder_quantity"`
	MaxStock        int64  `json:"max_stock"`
	CostingMethod   string `json:"costing_method,omitempty"`
}

// TransferRequest is the input for Transfer.
type TransferRequest struct {
	ProductID     string `json:"pid"`
	FromWarehouse string `json:"from_wid"`
	ToWarehouse   string `json:"to_wid"`
	Qty           int64  `json:"qty"`
	Method        string `json:"method,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Actor         string `json:"-"`
}

// ReserveRequest is the input for Reserve.
type ReserveRequest struct {
	ProductID   string     `json:"pid"`
	WarehouseID string     `json:"wid"`
	Qty         int64      `json:"qty"`
	Reference   string     `json:"reference"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Actor       string     `json:"-"`
}

// InventoryQuery filters ReadInventory.
type InventoryQuery struct {
	ProductID    string
	WarehouseID  string
	BelowReorder bool
	Limit        int
}

// LedgerQuery filters ReadLedger. Kinds are movement kind names.
type LedgerQuery struct {
	ProductID   string
	WarehouseID string
	Reference   string
	Kinds       []string
	From        *time.Time
	To          *time.Time
	AfterID     int64
	Limit       int
}

// AlertQuery filters ListAlerts.
type AlertQuery struct {
	ProductID   string
	WarehouseID string
	Status      string
	OpenOnly    bool
	Limit       int
}
