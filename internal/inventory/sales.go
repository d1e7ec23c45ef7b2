package inventory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/platform/database"
	"github.com/shopspring/decimal"
)

var (
	ErrQuoteNotFound   = errors.New("quote not found")
	ErrInvoiceNotFound = errors.New("invoice not found")
)

// DefaultPaymentDays is the time allowed to pay an invoice without a due date.
const DefaultPaymentDays = 30

// DocumentFilter narrows a quote or invoice listing. Dates bound the issue
// date.
type DocumentFilter struct {
	ClientID *uuid.UUID
	Status   string
	Search   string
	From, To *time.Time
}

func (f DocumentFilter) apply(q guard.Query, alias, numberCol, dateCol string) guard.Query {
	if f.ClientID != nil {
		q = q.Where(alias+".client_id = ?", *f.ClientID)
	}
	if f.Status != "" {
		q = q.Where(alias+".status = ?", f.Status)
	}
	if f.Search != "" {
		like := "%" + f.Search + "%"
		q = q.Where("("+alias+"."+numberCol+" ILIKE ? OR c.name ILIKE ?)", like, like)
	}
	if f.From != nil {
		q = q.Where(alias+"."+dateCol+" >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where(alias+"."+dateCol+" <= ?", *f.To)
	}
	return q
}

// --- quotes ---

type QuoteStatus string

const (
	QuoteDraft    QuoteStatus = "DRAFT"
	QuoteSent     QuoteStatus = "SENT"
	QuoteAccepted QuoteStatus = "ACCEPTED"
	QuoteRejected QuoteStatus = "REJECTED"
	QuoteInvoiced QuoteStatus = "INVOICED"
)

var quoteStatuses = []QuoteStatus{QuoteDraft, QuoteSent, QuoteAccepted, QuoteRejected, QuoteInvoiced}

type Quote struct {
	ID             uuid.UUID       `json:"id"`
	TenantID       uuid.UUID       `json:"-"`
	ClientID       uuid.UUID       `json:"client_id"`
	ClientName     string          `json:"client_name"`
	Number         string          `json:"quote_number"`
	Status         QuoteStatus     `json:"status"`
	DateIssued     time.Time       `json:"date_issued"`
	ExpirationDate *time.Time      `json:"expiry_date"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Notes          string          `json:"notes"`
	Terms          string          `json:"terms"`
	CreatedBy      *uuid.UUID      `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Items          []LineItem      `json:"line_items,omitempty"`
}

func (q *Quote) ResourceType() guard.ResourceType { return guard.ResourceQuote }
func (q *Quote) Tenant() uuid.UUID                { return q.TenantID }
func (q *Quote) SetTenant(id uuid.UUID)           { q.TenantID = id }

type QuoteRequest struct {
	ClientID       uuid.UUID     `json:"client_id"`
	DateIssued     string        `json:"date_issued"`
	ExpirationDate string        `json:"expiry_date"`
	Notes          string        `json:"notes"`
	Terms          string        `json:"terms"`
	Items          []LineRequest `json:"line_items"`

	dateIssued     *time.Time
	expirationDate *time.Time
}

func (r *QuoteRequest) Validate() error {
	if r.ClientID == uuid.Nil {
		return invalid("client_id is required")
	}
	var err error
	if r.dateIssued, err = parseDate("date_issued", r.DateIssued); err != nil {
		return err
	}
	if r.expirationDate, err = parseDate("expiry_date", r.ExpirationDate); err != nil {
		return err
	}
	if r.dateIssued != nil && r.expirationDate != nil && r.expirationDate.Before(*r.dateIssued) {
		return invalid("expiry_date cannot be before date_issued")
	}
	return validateLines(r.Items)
}

type QuoteStatusRequest struct {
	Status QuoteStatus `json:"status"`
}

func (r *QuoteStatusRequest) Validate() error {
	switch r.Status {
	case QuoteDraft, QuoteSent, QuoteAccepted, QuoteRejected:
		return nil
	case QuoteInvoiced:
		return invalid("a quote becomes INVOICED by converting it to an invoice")
	}
	return invalid(`status must be one of "DRAFT", "SENT", "ACCEPTED", "REJECTED"`)
}

func quoteQuery() guard.Query {
	return guard.Select("quotes q JOIN clients c ON c.id = q.client_id",
		"q.id", "q.tenant_id", "q.client_id", "c.name", "q.number", "q.status",
		"q.date_issued", "q.expiration_date", "q.subtotal", "q.tax_rate", "q.tax_amount", "q.total_amount",
		"q.notes", "q.terms", "q.created_by", "q.created_at", "q.updated_at",
	).TenantColumn("q.tenant_id")
}

func scanQuote(row pgx.CollectableRow) (Quote, error) {
	var q Quote
	err := row.Scan(&q.ID, &q.TenantID, &q.ClientID, &q.ClientName, &q.Number, &q.Status,
		&q.DateIssued, &q.ExpirationDate, &q.Subtotal, &q.TaxRate, &q.TaxAmount, &q.TotalAmount,
		&q.Notes, &q.Terms, &q.CreatedBy, &q.CreatedAt, &q.UpdatedAt)
	return q, err
}

func (s *Store) ListQuotes(ctx context.Context, db database.Querier, p *guard.Principal, f DocumentFilter) ([]Quote, error) {
	q := f.apply(quoteQuery(), "q", "number", "date_issued").OrderBy("q.created_at DESC")
	out, err := collect(ctx, db, p, q, scanQuote)
	if err != nil {
		return nil, fmt.Errorf("listing quotes: %w", err)
	}
	return out, nil
}

func (s *Store) GetQuote(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) (*Quote, error) {
	q, err := one(ctx, db, p, quoteQuery().Where("q.id = ?", id), scanQuote, ErrQuoteNotFound)
	if err != nil {
		return nil, err
	}
	if q.Items, err = listLines(ctx, db, p, "quote_items", "quote_id", id); err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *Store) lockQuote(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) (*Quote, error) {
	if err := lockOwned(ctx, db, p, "quotes", id, ErrQuoteNotFound); err != nil {
		return nil, err
	}
	return s.GetQuote(ctx, db, p, id)
}

// CreateQuote numbers and prices a new draft quote at the company's sales
// tax rate. It must run in a transaction.
func (s *Store) CreateQuote(ctx context.Context, db database.Querier, p *guard.Principal, req QuoteRequest) (*Quote, error) {
	q := &Quote{}
	if err := guard.StampOnCreate(p, q); err != nil {
		return nil, err
	}
	if _, err := s.GetClient(ctx, db, p, req.ClientID); err != nil {
		return nil, err
	}
	lines, err := s.priceLines(ctx, db, p, req.Items, false)
	if err != nil {
		return nil, err
	}
	rate, _, err := companyTerms(ctx, db, p)
	if err != nil {
		return nil, err
	}
	number, err := nextNumber(ctx, db, p, numberQuote)
	if err != nil {
		return nil, err
	}
	issued := today()
	if req.dateIssued != nil {
		issued = *req.dateIssued
	}
	t := ComputeTotals(lineTotals(lines), rate, decimal.Zero)

	err = db.QueryRow(ctx,
		`INSERT INTO quotes (tenant_id, client_id, number, status, date_issued, expiration_date,
		     subtotal, tax_rate, tax_amount, total_amount, notes, terms, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING id`,
		q.TenantID, req.ClientID, number, QuoteDraft, issued, req.expirationDate,
		t.Subtotal, rate, t.TaxAmount, t.Total, req.Notes, req.Terms, p.UserID,
	).Scan(&q.ID)
	if err != nil {
		return nil, fmt.Errorf("creating quote: %w", err)
	}
	if err := insertLines(ctx, db, p, "quote_items", "quote_id", q.ID, lines); err != nil {
		return nil, err
	}
	return s.GetQuote(ctx, db, p, q.ID)
}

// UpdateQuote replaces the client, dates and lines of a draft or sent
// quote. The tax rate it was created with is kept. It must run in a
// transaction.
func (s *Store) UpdateQuote(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID, req QuoteRequest) (*Quote, error) {
	cur, err := s.lockQuote(ctx, db, p, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != QuoteDraft && cur.Status != QuoteSent {
		return nil, invalid("Only draft or sent quotes can be edited")
	}
	if _, err := s.GetClient(ctx, db, p, req.ClientID); err != nil {
		return nil, err
	}
	lines, err := s.priceLines(ctx, db, p, req.Items, false)
	if err != nil {
		return nil, err
	}
	issued := cur.DateIssued
	if req.dateIssued != nil {
		issued = *req.dateIssued
	}
	t := ComputeTotals(lineTotals(lines), cur.TaxRate, decimal.Zero)

	if _, err := db.Exec(ctx, "DELETE FROM quote_items WHERE quote_id = $1 AND tenant_id = $2", id, p.TenantID); err != nil {
		return nil, fmt.Errorf("replacing quote items: %w", err)
	}
	if err := insertLines(ctx, db, p, "quote_items", "quote_id", id, lines); err != nil {
		return nil, err
	}
	_, err = db.Exec(ctx,
		`UPDATE quotes SET client_id = $3, date_issued = $4, expiration_date = $5, subtotal = $6,
		     tax_amount = $7, total_amount = $8, notes = $9, terms = $10, updated_at = now()
		 WHERE id = $1 AND tenant_id = $2`,
		id, p.TenantID, req.ClientID, issued, req.expirationDate, t.Subtotal, t.TaxAmount, t.Total,
		req.Notes, req.Terms,
	)
	if err != nil {
		return nil, fmt.Errorf("updating quote: %w", err)
	}
	return s.GetQuote(ctx, db, p, id)
}

// DeleteQuote removes a quote that was not invoiced. It must run in a
// transaction.
func (s *Store) DeleteQuote(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) (*Quote, error) {
	cur, err := s.lockQuote(ctx, db, p, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == QuoteInvoiced {
		return nil, invalid("Invoiced quotes cannot be deleted")
	}
	if _, err := db.Exec(ctx, "DELETE FROM quotes WHERE id = $1 AND tenant_id = $2", id, p.TenantID); err != nil {
		return nil, fmt.Errorf("deleting quote: %w", err)
	}
	return cur, nil
}

// SetQuoteStatus moves a quote to status. An invoiced quote keeps its
// status. It must run in a transaction.
func (s *Store) SetQuoteStatus(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID, status QuoteStatus) (*Quote, error) {
	cur, err := s.lockQuote(ctx, db, p, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == QuoteInvoiced {
		return nil, invalid("This quote has already been converted to an invoice.")
	}
	if _, err := db.Exec(ctx,
		"UPDATE quotes SET status = $3, updated_at = now() WHERE id = $1 AND tenant_id = $2",
		id, p.TenantID, status); err != nil {
		return nil, fmt.Errorf("updating quote status: %w", err)
	}
	cur.Status = status
	return cur, nil
}

// DuplicateQuote copies a quote and its lines into a new draft issued today.
// It must run in a transaction.
func (s *Store) DuplicateQuote(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) (*Quote, error) {
	src, err := s.GetQuote(ctx, db, p, id)
	if err != nil {
		return nil, err
	}
	number, err := nextNumber(ctx, db, p, numberQuote)
	if err != nil {
		return nil, err
	}
	var newID uuid.UUID
	err = db.QueryRow(ctx,
		`INSERT INTO quotes (tenant_id, client_id, number, status, date_issued, expiration_date,
		     subtotal, tax_rate, tax_amount, total_amount, notes, terms, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING id`,
		p.TenantID, src.ClientID, number, QuoteDraft, today(), src.ExpirationDate,
		src.Subtotal, src.TaxRate, src.TaxAmount, src.TotalAmount, src.Notes, src.Terms, p.UserID,
	).Scan(&newID)
	if err != nil {
		return nil, fmt.Errorf("duplicating quote: %w", err)
	}
	if err := insertLines(ctx, db, p, "quote_items", "quote_id", newID, src.Items); err != nil {
		return nil, err
	}
	return s.GetQuote(ctx, db, p, newID)
}

// ConvertQuote turns an accepted quote into an unpaid invoice due in
// DefaultPaymentDays, takes the invoiced quantities out of stock and marks
// the quote INVOICED. It must run in a transaction.
func (s *Store) ConvertQuote(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) (*Invoice, *StockReduction, error) {
	q, err := s.lockQuote(ctx, db, p, id)
	if err != nil {
		return nil, nil, err
	}
	if q.Status != QuoteAccepted {
		return nil, nil, invalid("Only accepted quotes can be converted to invoices.")
	}
	converted, err := count(ctx, db, p, guard.Select("invoices", "COUNT(*)").Where("quote_id = ?", id))
	if err != nil {
		return nil, nil, fmt.Errorf("checking quote conversion: %w", err)
	}
	if converted > 0 {
		return nil, nil, invalid("This quote has already been converted to an invoice.")
	}

	terms := q.Terms
	if terms == "" {
		if _, terms, err = companyTerms(ctx, db, p); err != nil {
			return nil, nil, err
		}
	}
	number, err := nextNumber(ctx, db, p, numberInvoice)
	if err != nil {
		return nil, nil, err
	}
	issued := today()
	t := ComputeTotals(lineTotals(q.Items), q.TaxRate, decimal.Zero)

	var invID uuid.UUID
	err = db.QueryRow(ctx,
		`INSERT INTO invoices (tenant_id, client_id, quote_id, number, status, issue_date, due_date,
		     subtotal, tax_rate, tax_amount, total_amount, notes, terms, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING id`,
		p.TenantID, q.ClientID, q.ID, number, InvoiceUnpaid, issued, issued.AddDate(0, 0, DefaultPaymentDays),
		t.Subtotal, q.TaxRate, t.TaxAmount, t.Total, q.Notes, terms, p.UserID,
	).Scan(&invID)
	if err != nil {
		return nil, nil, fmt.Errorf("creating invoice: %w", err)
	}
	if err := insertLines(ctx, db, p, "invoice_items", "invoice_id", invID, q.Items); err != nil {
		return nil, nil, err
	}
	if _, err := db.Exec(ctx,
		"UPDATE quotes SET status = $3, updated_at = now() WHERE id = $1 AND tenant_id = $2",
		id, p.TenantID, QuoteInvoiced); err != nil {
		return nil, nil, fmt.Errorf("marking quote invoiced: %w", err)
	}

	inv, err := s.GetInvoice(ctx, db, p, invID)
	if err != nil {
		return nil, nil, err
	}
	red, err := s.reduceStock(ctx, db, p, inv)
	if err != nil {
		return nil, nil, err
	}
	return inv, red, nil
}

// QuoteKPIs summarise the tenant's quotes. AcceptanceRate is the share of
// sent quotes that were accepted or invoiced, in percent.
type QuoteKPIs struct {
	DraftsValue     decimal.Decimal     `json:"drafts_value"`
	PendingValue    decimal.Decimal     `json:"pending_value"`
	AcceptanceRate  float64             `json:"acceptance_rate"`
	TotalQuotes     int                 `json:"total_quotes"`
	TotalValue      decimal.Decimal     `json:"total_value"`
	StatusBreakdown map[QuoteStatus]int `json:"status_breakdown"`
}

type statusTotal struct {
	status string
	n      int
	total  decimal.Decimal
}

func statusTotals(ctx context.Context, db database.Querier, p *guard.Principal, table string) ([]statusTotal, error) {
	return collect(ctx, db, p,
		guard.Select(table, "status", "COUNT(*)", "COALESCE(SUM(total_amount), 0)").GroupBy("status"),
		func(row pgx.CollectableRow) (statusTotal, error) {
			var st statusTotal
			err := row.Scan(&st.status, &st.n, &st.total)
			return st, err
		})
}

func (s *Store) QuoteKPIs(ctx context.Context, db database.Querier, p *guard.Principal) (*QuoteKPIs, error) {
	rows, err := statusTotals(ctx, db, p, "quotes")
	if err != nil {
		return nil, fmt.Errorf("summarising quotes: %w", err)
	}
	k := &QuoteKPIs{StatusBreakdown: make(map[QuoteStatus]int, len(quoteStatuses))}
	for _, st := range quoteStatuses {
		k.StatusBreakdown[st] = 0
	}
	var sent, accepted int
	for _, r := range rows {
		status := QuoteStatus(r.status)
		k.StatusBreakdown[status] = r.n
		k.TotalQuotes += r.n
		k.TotalValue = k.TotalValue.Add(r.total)
		switch status {
		case QuoteDraft:
			k.DraftsValue = r.total
		case QuoteSent:
			k.PendingValue = r.total
			sent += r.n
		case QuoteAccepted, QuoteInvoiced:
			accepted += r.n
			sent += r.n
		case QuoteRejected:
			sent += r.n
		}
	}
	k.AcceptanceRate = percent(accepted, sent)
	return k, nil
}

// percent is part/whole as a percentage rounded to two places, 0 for an
// empty whole.
func percent(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return decimal.NewFromInt(int64(part)).Mul(hundred).Div(decimal.NewFromInt(int64(whole))).Round(2).InexactFloat64()
}

// --- invoices ---

type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "DRAFT"
	InvoiceUnpaid        InvoiceStatus = "UNPAID"
	InvoicePaid          InvoiceStatus = "PAID"
	InvoiceOverdue       InvoiceStatus = "OVERDUE"
	InvoicePartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
)

var invoiceStatuses = []InvoiceStatus{InvoiceDraft, InvoiceUnpaid, InvoicePaid, InvoiceOverdue, InvoicePartiallyPaid}

type Invoice struct {
	ID           uuid.UUID       `json:"id"`
	TenantID     uuid.UUID       `json:"-"`
	ClientID     uuid.UUID       `json:"client_id"`
	ClientName   string          `json:"client_name"`
	QuoteID      *uuid.UUID      `json:"quote_id"`
	Number       string          `json:"invoice_number"`
	Status       InvoiceStatus   `json:"status"`
	IssueDate    time.Time       `json:"issue_date"`
	DueDate      time.Time       `json:"due_date"`
	PaidDate     *time.Time      `json:"paid_date"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	TaxRate      decimal.Decimal `json:"tax_rate"`
	TaxAmount    decimal.Decimal `json:"tax_amount"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	AmountPaid   decimal.Decimal `json:"amount_paid"`
	AmountDue    decimal.Decimal `json:"amount_due"`
	Notes        string          `json:"notes"`
	Terms        string          `json:"terms"`
	StockReduced bool            `json:"stock_reduced"`
	CreatedBy    *uuid.UUID      `json:"created_by"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Items        []LineItem      `json:"line_items,omitempty"`
	Payments     []Payment       `json:"payments,omitempty"`
}

func (i *Invoice) ResourceType() guard.ResourceType { return guard.ResourceInvoice }
func (i *Invoice) Tenant() uuid.UUID                { return i.TenantID }
func (i *Invoice) SetTenant(id uuid.UUID)           { i.TenantID = id }

// PaymentMethod values accepted by RecordPayment.
var paymentMethods = []string{"BANK_TRANSFER", "CREDIT_CARD", "CASH", "CHECK", "PAYPAL", "OTHER"}

type Payment struct {
	ID          uuid.UUID       `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	Method      string          `json:"payment_method"`
	PaymentDate time.Time       `json:"payment_date"`
	Reference   string          `json:"reference"`
	Notes       string          `json:"notes"`
	RecordedBy  *uuid.UUID      `json:"recorded_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

type InvoiceRequest struct {
	ClientID  uuid.UUID     `json:"client_id"`
	Status    InvoiceStatus `json:"status"`
	IssueDate string        `json:"issue_date"`
	DueDate   string        `json:"due_date"`
	Notes     string        `json:"notes"`
	Terms     string        `json:"terms"`
	Items     []LineRequest `json:"line_items"`

	issueDate *time.Time
	dueDate   *time.Time
}

func (r *InvoiceRequest) Validate() error {
	if r.Status == "" {
		r.Status = InvoiceDraft
	}
	switch {
	case r.ClientID == uuid.Nil:
		return invalid("client_id is required")
	case r.Status != InvoiceDraft && r.Status != InvoiceUnpaid:
		return invalid(`status must be "DRAFT" or "UNPAID"; payments decide the rest`)
	}
	var err error
	if r.issueDate, err = parseDate("issue_date", r.IssueDate); err != nil {
		return err
	}
	if r.dueDate, err = parseDate("due_date", r.DueDate); err != nil {
		return err
	}
	if r.issueDate != nil && r.dueDate != nil && r.dueDate.Before(*r.issueDate) {
		return invalid("due_date cannot be before issue_date")
	}
	return validateLines(r.Items)
}

// dates resolves the issue and due dates, defaulting to today and
// DefaultPaymentDays later.
func (r *InvoiceRequest) dates() (time.Time, time.Time) {
	issued := today()
	if r.issueDate != nil {
		issued = *r.issueDate
	}
	due := issued.AddDate(0, 0, DefaultPaymentDays)
	if r.dueDate != nil {
		due = *r.dueDate
	}
	return issued, due
}

type PaymentRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Method      string          `json:"payment_method"`
	PaymentDate string          `json:"payment_date"`
	Reference   string          `json:"reference"`
	Notes       string          `json:"notes"`

	paymentDate *time.Time
}

func (r *PaymentRequest) Validate() error {
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	if r.Method == "" {
		r.Method = "BANK_TRANSFER"
	}
	switch {
	case !r.Amount.IsPositive():
		return invalid("Payment amount must be greater than zero.")
	case !slices.Contains(paymentMethods, r.Method):
		return invalid("payment_method must be one of " + strings.Join(paymentMethods, ", "))
	case len(r.Reference) > 100:
		return invalid("reference must be at most 100 characters")
	}
	var err error
	r.paymentDate, err = parseDate("payment_date", r.PaymentDate)
	r.Amount = r.Amount.Round(2)
	return err
}

func invoiceQuery() guard.Query {
	return guard.Select("invoices i JOIN clients c ON c.id = i.client_id",
		"i.id", "i.tenant_id", "i.client_id", "c.name", "i.quote_id", "i.number", "i.status",
		"i.issue_date", "i.due_date", "i.paid_date", "i.subtotal", "i.tax_rate", "i.tax_amount",
		"i.total_amount", "i.amount_paid", "i.notes", "i.terms", "i.stock_reduced",
		"i.created_by", "i.created_at", "i.updated_at",
	).TenantColumn("i.tenant_id")
}

func scanInvoice(row pgx.CollectableRow) (Invoice, error) {
	var i Invoice
	err := row.Scan(&i.ID, &i.TenantID, &i.ClientID, &i.ClientName, &i.QuoteID, &i.Number, &i.Status,
		&i.IssueDate, &i.DueDate, &i.PaidDate, &i.Subtotal, &i.TaxRate, &i.TaxAmount,
		&i.TotalAmount, &i.AmountPaid, &i.Notes, &i.Terms, &i.StockReduced,
		&i.CreatedBy, &i.CreatedAt, &i.UpdatedAt)
	i.AmountDue = i.TotalAmount.Sub(i.AmountPaid)
	return i, err
}

func (s *Store) ListInvoices(ctx context.Context, db database.Querier, p *guard.Principal, f DocumentFilter) ([]Invoice, error) {
	q := f.apply(invoiceQuery(), "i", "number", "issue_date").OrderBy("i.created_at DESC")
	out, err := collect(ctx, db, p, q, scanInvoice)
	if err != nil {
		return nil, fmt.Errorf("listing invoices: %w", err)
	}
	return out, nil
}

func (s *Store) GetInvoice(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) (*Invoice, error) {
	inv, err := one(ctx, db, p, invoiceQuery().Where("i.id = ?", id), scanInvoice, ErrInvoiceNotFound)
	if err != nil {
		return nil, err
	}
	if inv.Items, err = listLines(ctx, db, p, "invoice_items", "invoice_id", id); err != nil {
		return nil, err
	}
	inv.Payments, err = collect(ctx, db, p,
		guard.Select("payments", "id", "amount", "method", "payment_date", "reference", "notes", "recorded_by", "created_at").
			Where("invoice_id = ?", id).
			OrderBy("payment_date, created_at"),
		func(row pgx.CollectableRow) (Payment, error) {
			var pm Payment
			err := row.Scan(&pm.ID, &pm.Amount, &pm.Method, &pm.PaymentDate, &pm.Reference, &pm.Notes, &pm.RecordedBy, &pm.CreatedAt)
			return pm, err
		})
	if err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}
	return &inv, nil
}

func (s *Store) lockInvoice(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) (*Invoice, error) {
	if err := lockOwned(ctx, db, p, "invoices", id, ErrInvoiceNotFound); err != nil {
		return nil, err
	}
	return s.GetInvoice(ctx, db, p, id)
}

// CreateInvoice numbers and prices a new invoice at the company's sales tax
// rate. Terms default to the company's payment terms. It must run in a
// transaction.
func (s *Store) CreateInvoice(ctx context.Context, db database.Querier, p *guard.Principal, req InvoiceRequest) (*Invoice, error) {
	inv := &Invoice{}
	if err := guard.StampOnCreate(p, inv); err != nil {
		return nil, err
	}
	if _, err := s.GetClient(ctx, db, p, req.ClientID); err != nil {
		return nil, err
	}
	lines, err := s.priceLines(ctx, db, p, req.Items, false)
	if err != nil {
		return nil, err
	}
	rate, terms, err := companyTerms(ctx, db, p)
	if err != nil {
		return nil, err
	}
	if req.Terms != "" {
		terms = req.Terms
	}
	number, err := nextNumber(ctx, db, p, numberInvoice)
	if err != nil {
		return nil, err
	}
	issued, due := req.dates()
	t := ComputeTotals(lineTotals(lines), rate, decimal.Zero)

	err = db.QueryRow(ctx,
		`INSERT INTO invoices (tenant_id, client_id, number, status, issue_date, due_date,
		     subtotal, tax_rate, tax_amount, total_amount, notes, terms, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING id`,
		inv.TenantID, req.ClientID, number, req.Status, issued, due,
		t.Subtotal, rate, t.TaxAmount, t.Total, req.Notes, terms, p.UserID,
	).Scan(&inv.ID)
	if err != nil {
		return nil, fmt.Errorf("creating invoice: %w", err)
	}
	if err := insertLines(ctx, db, p, "invoice_items", "invoice_id", inv.ID, lines); err != nil {
		return nil, err
	}
	return s.GetInvoice(ctx, db, p, inv.ID)
}

var errInvoiceHasPayments = invalid("Invoices with recorded payments cannot be changed.")

// UpdateInvoice replaces the client, dates and lines of an invoice that has
// no payments. It must run in a transaction.
func (s *Store) UpdateInvoice(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID, req InvoiceRequest) (*Invoice, error) {
	cur, err := s.lockInvoice(ctx, db, p, id)
	if err != nil {
		return nil, err
	}
	if len(cur.Payments) > 0 || cur.StockReduced {
		return nil, errInvoiceHasPayments
	}
	if _, err := s.GetClient(ctx, db, p, req.ClientID); err != nil {
		return nil, err
	}
	lines, err := s.priceLines(ctx, db, p, req.Items, false)
	if err != nil {
		return nil, err
	}
	issued, due := req.dates()
	if req.issueDate == nil {
		issued = cur.IssueDate
		if req.dueDate == nil {
			due = cur.DueDate
		}
	}
	terms := cur.Terms
	if req.Terms != "" {
		terms = req.Terms
	}
	t := ComputeTotals(lineTotals(lines), cur.TaxRate, decimal.Zero)

	if _, err := db.Exec(ctx, "DELETE FROM invoice_items WHERE invoice_id = $1 AND tenant_id = $2", id, p.TenantID); err != nil {
		return nil, fmt.Errorf("replacing invoice items: %w", err)
	}
	if err := insertLines(ctx, db, p, "invoice_items", "invoice_id", id, lines); err != nil {
		return nil, err
	}
	_, err = db.Exec(ctx,
		`UPDATE invoices SET client_id = $3, status = $4, issue_date = $5, due_date = $6, subtotal = $7,
		     tax_amount = $8, total_amount = $9, notes = $10, terms = $11, updated_at = now()
		 WHERE id = $1 AND tenant_id = $2`,
		id, p.TenantID, req.ClientID, req.Status, issued, due, t.Subtotal, t.TaxAmount, t.Total,
		req.Notes, terms,
	)
	if err != nil {
		return nil, fmt.Errorf("updating invoice: %w", err)
	}
	return s.GetInvoice(ctx, db, p, id)
}

// DeleteInvoice removes an invoice that has no payments. A quote it was
// converted from becomes ACCEPTED again. It must run in a transaction.
func (s *Store) DeleteInvoice(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) (*Invoice, error) {
	cur, err := s.lockInvoice(ctx, db, p, id)
	if err != nil {
		return nil, err
	}
	if len(cur.Payments) > 0 || cur.Status == InvoicePaid {
		return nil, errInvoiceHasPayments
	}
	if _, err := db.Exec(ctx, "DELETE FROM invoices WHERE id = $1 AND tenant_id = $2", id, p.TenantID); err != nil {
		return nil, fmt.Errorf("deleting invoice: %w", err)
	}
	if cur.QuoteID != nil {
		if _, err := db.Exec(ctx,
			"UPDATE quotes SET status = $3, updated_at = now() WHERE id = $1 AND tenant_id = $2 AND status = $4",
			*cur.QuoteID, p.TenantID, QuoteAccepted, QuoteInvoiced); err != nil {
			return nil, fmt.Errorf("reopening quote: %w", err)
		}
	}
	return cur, nil
}

// nextInvoiceStatus derives an invoice's status from what has been paid. A
// draft with nothing paid stays a draft.
func nextInvoiceStatus(cur InvoiceStatus, paid, total decimal.Decimal, due, today time.Time) InvoiceStatus {
	overdue := due.Before(today)
	switch {
	case paid.IsZero():
		if cur == InvoiceDraft {
			return InvoiceDraft
		}
		if overdue {
			return InvoiceOverdue
		}
		return InvoiceUnpaid
	case paid.GreaterThanOrEqual(total):
		return InvoicePaid
	case overdue:
		return InvoiceOverdue
	}
	return InvoicePartiallyPaid
}

// PaymentResult is the outcome of RecordPayment. Reduction is set when the
// payment settled the invoice and its stock was taken.
type PaymentResult struct {
	Invoice   *Invoice
	Payment   Payment
	Settled   bool
	Reduction *StockReduction
}

// RecordPayment adds a payment to an invoice and updates its status. The
// payment that settles the invoice takes the invoiced quantities out of
// stock, unless that already happened on conversion. It must run in a
// transaction.
func (s *Store) RecordPayment(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID, req PaymentRequest) (*PaymentResult, error) {
	inv, err := s.lockInvoice(ctx, db, p, id)
	if err != nil {
		return nil, err
	}
	if req.Amount.GreaterThan(inv.AmountDue) {
		return nil, invalid(fmt.Sprintf("Payment amount cannot exceed the amount due (%s).", inv.AmountDue.StringFixed(2)))
	}
	paidOn := today()
	if req.paymentDate != nil {
		paidOn = *req.paymentDate
	}

	res := &PaymentResult{Payment: Payment{
		Amount: req.Amount, Method: req.Method, PaymentDate: paidOn,
		Reference: req.Reference, Notes: req.Notes, RecordedBy: &p.UserID,
	}}
	err = db.QueryRow(ctx,
		`INSERT INTO payments (tenant_id, invoice_id, amount, method, payment_date, reference, notes, recorded_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		p.TenantID, id, req.Amount, req.Method, paidOn, req.Reference, req.Notes, p.UserID,
	).Scan(&res.Payment.ID, &res.Payment.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("recording payment: %w", err)
	}

	paid := inv.AmountPaid.Add(req.Amount)
	status := nextInvoiceStatus(inv.Status, paid, inv.TotalAmount, inv.DueDate, today())
	res.Settled = status == InvoicePaid && inv.Status != InvoicePaid
	_, err = db.Exec(ctx,
		`UPDATE invoices SET amount_paid = $3, status = $4,
		     paid_date = CASE WHEN $5 THEN now() ELSE paid_date END, updated_at = now()
		 WHERE id = $1 AND tenant_id = $2`,
		id, p.TenantID, paid, status, res.Settled)
	if err != nil {
		return nil, fmt.Errorf("updating invoice payment: %w", err)
	}

	if res.Settled && !inv.StockReduced {
		if res.Reduction, err = s.reduceStock(ctx, db, p, inv); err != nil {
			return nil, err
		}
	}
	if res.Invoice, err = s.GetInvoice(ctx, db, p, id); err != nil {
		return nil, err
	}
	return res, nil
}

// Shortage is the part of an invoice line the stock could not cover.
type Shortage struct {
	ProductID   uuid.UUID
	ProductName string
	Needed      int
	Short       int
}

// StockReduction lists the stock taken for an invoice and what was missing.
type StockReduction struct {
	Invoice   *Invoice
	Movements []*Movement
	Shortages []Shortage
}

// reduceStock takes each line's quantity out of the product's stock,
// emptying the fullest locations first. A line the stock cannot cover takes
// what there is and is reported as a shortage. The invoice is marked so it
// never reduces twice.
func (s *Store) reduceStock(ctx context.Context, db database.Querier, p *guard.Principal, inv *Invoice) (*StockReduction, error) {
	red := &StockReduction{Invoice: inv}
	for _, line := range inv.Items {
		prod, err := s.productRef(ctx, db, p, line.ProductID)
		if err != nil {
			return nil, err
		}
		rows, err := collect(ctx, db, p,
			guard.Select("stock", stockColumns).
				Where("product_id = ?", line.ProductID).
				OrderBy("id").
				ForUpdate(),
			scanStock)
		if err != nil {
			return nil, fmt.Errorf("locking stock: %w", err)
		}
		slices.SortStableFunc(rows, func(a, b Stock) int { return cmp.Compare(b.Quantity, a.Quantity) })

		remaining := line.Quantity
		for i := range rows {
			st := &rows[i]
			if remaining == 0 {
				break
			}
			if st.Quantity == 0 {
				continue
			}
			loc, err := s.locationRef(ctx, db, p, st.LocationID)
			if err != nil {
				return nil, err
			}
			take := min(remaining, st.Quantity)
			m := &Movement{Product: prod, Location: loc, OldQuantity: st.Quantity}
			if err := s.setQuantity(ctx, db, p, st, st.Quantity-take); err != nil {
				return nil, err
			}
			m.NewQuantity, m.Stock = st.Quantity, st
			red.Movements = append(red.Movements, m)
			remaining -= take
		}
		if remaining > 0 {
			red.Shortages = append(red.Shortages, Shortage{
				ProductID: prod.ID, ProductName: line.ProductName, Needed: line.Quantity, Short: remaining,
			})
		}
	}
	if _, err := db.Exec(ctx,
		"UPDATE invoices SET stock_reduced = true, updated_at = now() WHERE id = $1 AND tenant_id = $2",
		inv.ID, p.TenantID); err != nil {
		return nil, fmt.Errorf("marking stock reduced: %w", err)
	}
	inv.StockReduced = true
	return red, nil
}

// InvoiceKPIs summarise the tenant's invoices.
type InvoiceKPIs struct {
	TotalOutstanding decimal.Decimal       `json:"total_outstanding"`
	TotalOverdue     decimal.Decimal       `json:"total_overdue"`
	PaidLast30Days   decimal.Decimal       `json:"paid_last_30_days"`
	TotalInvoices    int                   `json:"total_invoices"`
	TotalValue       decimal.Decimal       `json:"total_value"`
	StatusBreakdown  map[InvoiceStatus]int `json:"status_breakdown"`
}

func (s *Store) InvoiceKPIs(ctx context.Context, db database.Querier, p *guard.Principal) (*InvoiceKPIs, error) {
	type row struct {
		statusTotal
		due decimal.Decimal
	}
	rows, err := collect(ctx, db, p,
		guard.Select("invoices", "status", "COUNT(*)", "COALESCE(SUM(total_amount), 0)",
			"COALESCE(SUM(total_amount - amount_paid), 0)").GroupBy("status"),
		func(r pgx.CollectableRow) (row, error) {
			var x row
			err := r.Scan(&x.status, &x.n, &x.total, &x.due)
			return x, err
		})
	if err != nil {
		return nil, fmt.Errorf("summarising invoices: %w", err)
	}
	k := &InvoiceKPIs{StatusBreakdown: make(map[InvoiceStatus]int, len(invoiceStatuses))}
	for _, st := range invoiceStatuses {
		k.StatusBreakdown[st] = 0
	}
	for _, r := range rows {
		status := InvoiceStatus(r.status)
		k.StatusBreakdown[status] = r.n
		k.TotalInvoices += r.n
		k.TotalValue = k.TotalValue.Add(r.total)
		switch status {
		case InvoiceUnpaid, InvoicePartiallyPaid:
			k.TotalOutstanding = k.TotalOutstanding.Add(r.due)
		case InvoiceOverdue:
			k.TotalOutstanding = k.TotalOutstanding.Add(r.due)
			k.TotalOverdue = r.due
		}
	}

	sql, args, err := scopedSQL(p, guard.Select("payments", "COALESCE(SUM(amount), 0)").
		Where("payment_date >= ?", today().AddDate(0, 0, -30)))
	if err != nil {
		return nil, err
	}
	if err := db.QueryRow(ctx, sql, args...).Scan(&k.PaidLast30Days); err != nil {
		return nil, fmt.Errorf("summing recent payments: %w", err)
	}
	return k, nil
}
