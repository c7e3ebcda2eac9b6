package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// WalkInCustomerID is the sentinel customer for cash sales with no persisted
// identity or balance.
const WalkInCustomerID = "walk-in"

const WalkInCustomerName = "Walk-in Customer"

const (
	CollectionProducts  = "products"
	CollectionCustomers = "customers"
	CollectionSales     = "sales"
	CollectionUsers     = "users"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

type Product struct {
	Barcode   string          `json:"barcode"`
	Name      string          `json:"name"`
	BuyPrice  decimal.Decimal `json:"buy_price"`
	SalePrice decimal.Decimal `json:"sale_price"`
	Quantity  int             `json:"quantity"`
}

type ProductRequest struct {
	Barcode   string          `json:"barcode"`
	Name      string          `json:"name"`
	BuyPrice  decimal.Decimal `json:"buy_price"`
	SalePrice decimal.Decimal `json:"sale_price"`
	Quantity  int             `json:"quantity"`
}

type DiscountType string

const (
	DiscountFixed      DiscountType = "fixed"
	DiscountPercentage DiscountType = "percentage"
)

type Discount struct {
	Type  DiscountType    `json:"type"`
	Value decimal.Decimal `json:"value"`
}

// CartLineItem captures name and prices at add time; later catalog edits do
// not reach items already in the cart.
type CartLineItem struct {
	Barcode         string          `json:"barcode"`
	Name            string          `json:"name"`
	Price           decimal.Decimal `json:"price"`
	BuyPrice        decimal.Decimal `json:"buy_price"`
	Quantity        int             `json:"quantity"`
	Discount        Discount        `json:"discount"`
	DiscountPerUnit decimal.Decimal `json:"discount_per_unit"`
}

type Customer struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Phone      string          `json:"phone"`
	Address    string          `json:"address,omitempty"`
	Note       string          `json:"note,omitempty"`
	DueBalance decimal.Decimal `json:"due_balance"`
	CreatedAt  time.Time       `json:"created_at"`
}

type CustomerRequest struct {
	Name       string           `json:"name"`
	Phone      string           `json:"phone"`
	Address    string           `json:"address"`
	Note       string           `json:"note"`
	DueBalance *decimal.Decimal `json:"due_balance,omitempty"`
}

type PaymentRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type PaymentType string

const (
	PaymentCash   PaymentType = "Cash"
	PaymentCredit PaymentType = "Credit"
)

// SaleRecord is an immutable snapshot of a finalised sale.
type SaleRecord struct {
	ID                 string          `json:"id"`
	ShopID             string          `json:"shop_id"`
	Items              []CartLineItem  `json:"items"`
	Subtotal           decimal.Decimal `json:"subtotal"`
	ItemDiscount       decimal.Decimal `json:"item_discount"`
	AdditionalDiscount decimal.Decimal `json:"additional_discount"`
	TotalDiscount      decimal.Decimal `json:"total_discount"`
	Total              decimal.Decimal `json:"total"`
	TotalProfit        decimal.Decimal `json:"total_profit"`
	PreviousDue        decimal.Decimal `json:"previous_due"`
	GrandTotal         decimal.Decimal `json:"grand_total"`
	AmountPaid         decimal.Decimal `json:"amount_paid"`
	Change             decimal.Decimal `json:"change"`
	NewDue             decimal.Decimal `json:"new_due"`
	PaymentType        PaymentType     `json:"payment_type"`
	CustomerID         string          `json:"customer_id"`
	CustomerName       string          `json:"customer_name"`
	CashierID          string          `json:"cashier_id"`
	Synced             bool            `json:"synced"`
	CreatedAt          time.Time       `json:"created_at"`
}

func (s SaleRecord) IsWalkIn() bool {
	return s.CustomerID == "" || s.CustomerID == WalkInCustomerID
}

type CheckoutRequest struct {
	CustomerID         string          `json:"customer_id"`
	AdditionalDiscount decimal.Decimal `json:"additional_discount"`
	AmountPaid         decimal.Decimal `json:"amount_paid"`
}

// Session is the explicit context every core operation runs under.
type Session struct {
	ShopID    string
	CashierID string
}

type Actor struct {
	Username string
	Role     string
	ShopID   string
}

type MutationOp string

const (
	MutationSet       MutationOp = "set"
	MutationMerge     MutationOp = "merge"
	MutationIncrement MutationOp = "increment"
	MutationDelete    MutationOp = "delete"
	MutationAdd       MutationOp = "add"
)

// Mutation is one write inside an atomic batch. Data carries the full
// document for set and the partial object for merge; increment adjusts an
// integer Field of an existing document by Delta and add adjusts a decimal
// Field by Amount. Both apply on top of whatever the store holds at commit
// time, so they compose with writes made while the plan sat in a queue.
type Mutation struct {
	Op         MutationOp       `json:"op"`
	Collection string           `json:"collection"`
	DocID      string           `json:"doc_id"`
	Field      string           `json:"field,omitempty"`
	Delta      int64            `json:"delta,omitempty"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	Data       json.RawMessage  `json:"data,omitempty"`
}

// MutationPlan is the set of store writes that commits one sale.
type MutationPlan struct {
	ID         string     `json:"id"`
	ShopID     string     `json:"shop_id"`
	SaleID     string     `json:"sale_id"`
	CustomerID string     `json:"customer_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Mutations  []Mutation `json:"mutations"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ShopID      string `json:"shop_id"`
	ExpiresAt   string `json:"expires_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"password"`
	Role      string    `json:"role"`
	ShopID    string    `json:"shop_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	ShopID    string    `json:"shop_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type SalesPeriod string

const (
	PeriodAll   SalesPeriod = "all"
	PeriodToday SalesPeriod = "today"
	PeriodWeek  SalesPeriod = "week"
	PeriodMonth SalesPeriod = "month"
)

type SalesReport struct {
	Period       SalesPeriod     `json:"period"`
	Revenue      decimal.Decimal `json:"revenue"`
	Profit       decimal.Decimal `json:"profit"`
	Transactions int             `json:"transactions"`
	Sales        []SaleRecord    `json:"sales"`
}

type DeleteSalesRequest struct {
	SaleIDs []string `json:"sale_ids"`
}

type DailyRevenue struct {
	Date    string          `json:"date"`
	Revenue decimal.Decimal `json:"revenue"`
}

type Dashboard struct {
	TotalRevenue   decimal.Decimal `json:"total_revenue"`
	TodayRevenue   decimal.Decimal `json:"today_revenue"`
	TotalProducts  int             `json:"total_products"`
	TotalCustomers int             `json:"total_customers"`
	LastSevenDays  []DailyRevenue  `json:"last_seven_days"`
}
