package envelope

import "time"

// Known event types.
const (
	TypeTenantCreated  EventType = "tenant.created"
	TypeUserInvited    EventType = "user.invited"
	TypeOfferCreated   EventType = "offer.created"
	TypeOfferAccepted  EventType = "offer.accepted"
	TypeOrderCreated   EventType = "order.created"
	TypeOrderConfirmed EventType = "order.confirmed"
	TypeOrderCancelled EventType = "order.cancelled"
	TypeInvoiceIssued  EventType = "invoice.issued"
	TypeInvoicePaid    EventType = "invoice.paid"
	TypeStockAdjusted  EventType = "stock.adjusted"
	TypeEmployeeHired  EventType = "employee.hired"
	TypeProjectCreated EventType = "project.created"
)

// Payload is implemented by every event payload struct. The returned type is
// the discriminant written into the envelope.
type Payload interface {
	EventType() EventType
}

type TenantCreated struct {
	TenantName string `json:"tenantName" validate:"required"`
	Plan       string `json:"plan,omitempty"`
}

func (TenantCreated) EventType() EventType { return TypeTenantCreated }

type UserInvited struct {
	UserID string   `json:"userId" validate:"required"`
	Email  string   `json:"email" validate:"required,email"`
	Roles  []string `json:"roles,omitempty"`
}

func (UserInvited) EventType() EventType { return TypeUserInvited }

// Amounts are in minor currency units.
type OfferCreated struct {
	OfferID    string `json:"offerId" validate:"required"`
	CustomerID string `json:"customerId" validate:"required"`
	Total      int64  `json:"total" validate:"gte=0"`
	Currency   string `json:"currency" validate:"required,len=3"`
}

func (OfferCreated) EventType() EventType { return TypeOfferCreated }

type OfferAccepted struct {
	OfferID string `json:"offerId" validate:"required"`
	OrderID string `json:"orderId,omitempty"`
}

func (OfferAccepted) EventType() EventType { return TypeOfferAccepted }

type OrderLine struct {
	SKU       string `json:"sku" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
	UnitPrice int64  `json:"unitPrice" validate:"gte=0"`
}

type OrderCreated struct {
	OrderID    string      `json:"orderId" validate:"required"`
	CustomerID string      `json:"customerId" validate:"required"`
	Lines      []OrderLine `json:"lines" validate:"dive"`
	Total      int64       `json:"total" validate:"gte=0"`
	Currency   string      `json:"currency" validate:"required,len=3"`
}

func (OrderCreated) EventType() EventType { return TypeOrderCreated }

type OrderConfirmed struct {
	OrderID     string `json:"orderId" validate:"required"`
	ConfirmedBy string `json:"confirmedBy,omitempty"`
}

func (OrderConfirmed) EventType() EventType { return TypeOrderConfirmed }

type OrderCancelled struct {
	OrderID string `json:"orderId" validate:"required"`
	Reason  string `json:"reason,omitempty"`
}

func (OrderCancelled) EventType() EventType { return TypeOrderCancelled }

type InvoiceIssued struct {
	InvoiceID string    `json:"invoiceId" validate:"required"`
	OrderID   string    `json:"orderId" validate:"required"`
	Amount    int64     `json:"amount" validate:"gte=0"`
	Currency  string    `json:"currency" validate:"required,len=3"`
	DueDate   time.Time `json:"dueDate"`
}

func (InvoiceIssued) EventType() EventType { return TypeInvoiceIssued }

type InvoicePaid struct {
	InvoiceID string    `json:"invoiceId" validate:"required"`
	PaidAt    time.Time `json:"paidAt"`
}

func (InvoicePaid) EventType() EventType { return TypeInvoicePaid }

// StockAdjusted carries a signed quantity change for one SKU in one warehouse.
type StockAdjusted struct {
	SKU       string `json:"sku" validate:"required"`
	Warehouse string `json:"warehouse" validate:"required"`
	Delta     int    `json:"delta"`
}

func (StockAdjusted) EventType() EventType { return TypeStockAdjusted }

type EmployeeHired struct {
	EmployeeID string    `json:"employeeId" validate:"required"`
	Department string    `json:"department,omitempty"`
	StartDate  time.Time `json:"startDate"`
}

func (EmployeeHired) EventType() EventType { return TypeEmployeeHired }

type ProjectCreated struct {
	ProjectID string `json:"projectId" validate:"required"`
	Name      string `json:"name" validate:"required"`
	OwnerID   string `json:"ownerId,omitempty"`
}

func (ProjectCreated) EventType() EventType { return TypeProjectCreated }
