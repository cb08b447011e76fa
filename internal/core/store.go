package core

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct{ DB *pgxpool.Pool }

type NewRecipient struct {
	Email string
	Name  *string
}

type NewCampaign struct {
	UserID       string
	Subject      string
	HTMLBody     string
	TextBody     *string
	ScheduledFor time.Time
	Recipients   []NewRecipient
}

type ListFilter struct {
	UserID string // empty lists across all owners (admin)
	Status *string
	Search string
	Limit  int
	Offset int
}

type CampaignPatch struct {
	Subject      *string
	HTMLBody     *string
	TextBody     *string
	ScheduledFor *time.Time
}

const campaignCols = `id, user_id, subject, html_body, text_body, scheduled_for, status,
	sent_at, error, handed_off_at, created_at, updated_at`

const recipientCols = `id, email_id, recipient_email, recipient_name, status,
	delivered_at, opened_at, clicked_at, bounced_at, complaint_at,
	provider_email_id, created_at, updated_at`

func scanCampaign(row pgx.Row, c *Campaign) error {
	return row.Scan(&c.ID, &c.UserID, &c.Subject, &c.HTMLBody, &c.TextBody,
		&c.ScheduledFor, &c.Status, &c.SentAt, &c.Error, &c.HandedOffAt,
		&c.CreatedAt, &c.UpdatedAt)
}

func scanRecipient(row pgx.Row, r *Recipient) error {
	return row.Scan(&r.ID, &r.EmailID, &r.RecipientEmail, &r.RecipientName,
		&r.Status, &r.DeliveredAt, &r.OpenedAt, &r.ClickedAt, &r.BouncedAt,
		&r.ComplaintAt, &r.ProviderEmailID, &r.CreatedAt, &r.UpdatedAt)
}

// CreateCampaign inserts a campaign and its recipients in one
// transaction. A campaign may not have zero recipients.
func (s *Store) CreateCampaign(ctx context.Context, in NewCampaign) (*Campaign, error) {
	if len(in.Recipients) == 0 {
		return nil, Invalid("campaign must have at least one recipient")
	}
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var c Campaign
	err = scanCampaign(tx.QueryRow(ctx, `
		INSERT INTO emails(user_id, subject, html_body, text_body, scheduled_for, status)
		VALUES($1,$2,$3,$4,$5,'SCHEDULED')
		RETURNING `+campaignCols,
		in.UserID, in.Subject, in.HTMLBody, in.TextBody, in.ScheduledFor), &c)
	if err != nil {
		return nil, err
	}

	for _, nr := range in.Recipients {
		var r Recipient
		err = scanRecipient(tx.QueryRow(ctx, `
			INSERT INTO email_recipients(email_id, recipient_email, recipient_name)
			VALUES($1,$2,$3)
			RETURNING `+recipientCols, c.ID, nr.Email, nr.Name), &r)
		if err != nil {
			return nil, err
		}
		c.Recipients = append(c.Recipients, r)
	}
	return &c, tx.Commit(ctx)
}

// GetCampaign loads one campaign with recipients and their event log,
// enforcing ownership unless userID is empty (admin read).
func (s *Store) GetCampaign(ctx context.Context, id, userID string) (*Campaign, error) {
	var c Campaign
	err := scanCampaign(s.DB.QueryRow(ctx,
		`SELECT `+campaignCols+` FROM emails WHERE id=$1`, id), &c)
	if err == pgx.ErrNoRows {
		return nil, NotFound("campaign", id)
	}
	if err != nil {
		return nil, err
	}
	if userID != "" && c.UserID != userID {
		return nil, Unauthorized("not the campaign owner")
	}

	rows, err := s.DB.Query(ctx,
		`SELECT `+recipientCols+` FROM email_recipients WHERE email_id=$1 ORDER BY created_at`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var r Recipient
		if err := scanRecipient(rows, &r); err != nil {
			return nil, err
		}
		c.Recipients = append(c.Recipients, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range c.Recipients {
		evRows, err := s.DB.Query(ctx, `
			SELECT id, recipient_id, event_type, payload, ip_address, user_agent, created_at
			FROM email_events WHERE recipient_id=$1 ORDER BY created_at DESC`,
			c.Recipients[i].ID)
		if err != nil {
			return nil, err
		}
		for evRows.Next() {
			var ev DeliveryEvent
			if err := evRows.Scan(&ev.ID, &ev.RecipientID, &ev.EventType,
				&ev.Payload, &ev.IPAddress, &ev.UserAgent, &ev.CreatedAt); err != nil {
				evRows.Close()
				return nil, err
			}
			c.Recipients[i].Events = append(c.Recipients[i].Events, ev)
		}
		evRows.Close()
		if err := evRows.Err(); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

// ListCampaigns returns a page of campaigns plus the unpaged total.
func (s *Store) ListCampaigns(ctx context.Context, f ListFilter) ([]Campaign, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	idx := 1
	if f.UserID != "" {
		where += fmt.Sprintf(" AND user_id=$%d", idx)
		args = append(args, f.UserID)
		idx++
	}
	if f.Status != nil {
		where += fmt.Sprintf(" AND status=$%d", idx)
		args = append(args, *f.Status)
		idx++
	}
	if f.Search != "" {
		where += fmt.Sprintf(` AND (subject ILIKE '%%'||$%d||'%%' OR EXISTS (
			SELECT 1 FROM email_recipients r
			WHERE r.email_id = emails.id AND r.recipient_email ILIKE '%%'||$%d||'%%'))`, idx, idx)
		args = append(args, f.Search)
		idx++
	}

	var total int
	if err := s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM emails`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := `SELECT ` + campaignCols + ` FROM emails` + where +
		fmt.Sprintf(" ORDER BY scheduled_for DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Campaign
	for rows.Next() {
		var c Campaign
		if err := scanCampaign(rows, &c); err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	for i := range out {
		rs, err := s.RecipientsForCampaign(ctx, out[i].ID)
		if err != nil {
			return nil, 0, err
		}
		out[i].Recipients = rs
	}
	return out, total, nil
}

// ownerStatus loads the fields needed to decide not-found vs not-owner
// vs wrong-state before a conditional mutation.
func (s *Store) ownerStatus(ctx context.Context, id, userID string) (string, error) {
	var owner, status string
	err := s.DB.QueryRow(ctx, `SELECT user_id, status FROM emails WHERE id=$1`, id).Scan(&owner, &status)
	if err == pgx.ErrNoRows {
		return "", NotFound("campaign", id)
	}
	if err != nil {
		return "", err
	}
	if userID != "" && owner != userID {
		return "", Unauthorized("not the campaign owner")
	}
	return status, nil
}

// UpdateCampaign edits subject/bodies/schedule. Only SCHEDULED
// campaigns are editable; the status check rides in the UPDATE so a
// racing claim cannot slip an edit into a SENDING campaign.
func (s *Store) UpdateCampaign(ctx context.Context, id, userID string, p CampaignPatch) (*Campaign, error) {
	status, err := s.ownerStatus(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if status != StatusScheduled {
		return nil, Conflict("update", status)
	}

	set := `updated_at=now()`
	args := []any{}
	idx := 1
	if p.Subject != nil {
		set += fmt.Sprintf(", subject=$%d", idx)
		args = append(args, *p.Subject)
		idx++
	}
	if p.HTMLBody != nil {
		set += fmt.Sprintf(", html_body=$%d", idx)
		args = append(args, *p.HTMLBody)
		idx++
	}
	if p.TextBody != nil {
		set += fmt.Sprintf(", text_body=$%d", idx)
		args = append(args, *p.TextBody)
		idx++
	}
	if p.ScheduledFor != nil {
		set += fmt.Sprintf(", scheduled_for=$%d", idx)
		args = append(args, *p.ScheduledFor)
		idx++
	}
	q := fmt.Sprintf(`UPDATE emails SET %s WHERE id=$%d AND status='SCHEDULED' RETURNING %s`, set, idx, campaignCols)
	args = append(args, id)

	var c Campaign
	err = scanCampaign(s.DB.QueryRow(ctx, q, args...), &c)
	if err == pgx.ErrNoRows {
		return nil, Conflict("update", StatusSending)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CancelCampaign moves SCHEDULED -> CANCELLED. Compare-and-swap on the
// status column; cancel racing the scheduler's claim loses cleanly.
func (s *Store) CancelCampaign(ctx context.Context, id, userID string) (*Campaign, error) {
	status, err := s.ownerStatus(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if status != StatusScheduled {
		return nil, Conflict("cancel", status)
	}
	var c Campaign
	err = scanCampaign(s.DB.QueryRow(ctx, `
		UPDATE emails SET status='CANCELLED', updated_at=now()
		WHERE id=$1 AND status='SCHEDULED'
		RETURNING `+campaignCols, id), &c)
	if err == pgx.ErrNoRows {
		return nil, Conflict("cancel", StatusSending)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// RetryCampaign re-arms a FAILED campaign: back to SCHEDULED, due
// immediately, error cleared. Recipient state from the failed attempt
// is deliberately left as-is; whether a retry re-sends to recipients
// already handed to the provider is a deployment decision, not guessed
// here.
func (s *Store) RetryCampaign(ctx context.Context, id, userID string) error {
	status, err := s.ownerStatus(ctx, id, userID)
	if err != nil {
		return err
	}
	if status != StatusFailed {
		return Conflict("retry", status)
	}
	tag, err := s.DB.Exec(ctx, `
		UPDATE emails
		SET status='SCHEDULED', scheduled_for=now(), error=NULL, handed_off_at=NULL, updated_at=now()
		WHERE id=$1 AND status='FAILED'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return Conflict("retry", StatusScheduled)
	}
	return nil
}

// ClaimDue atomically moves up to limit due campaigns from SCHEDULED to
// SENDING and returns them, oldest first. SKIP LOCKED keeps concurrent
// loop invocations from claiming the same campaign twice. window widens
// the due horizon for the provider-deferred strategy (0 for local
// dispatch); deferred claims also skip rows already handed off.
func (s *Store) ClaimDue(ctx context.Context, limit int, window time.Duration) ([]Campaign, error) {
	rows, err := s.DB.Query(ctx, `
		UPDATE emails SET status='SENDING', updated_at=now()
		WHERE id IN (
			SELECT id FROM emails
			WHERE status='SCHEDULED'
			  AND scheduled_for <= now() + make_interval(secs => $2)
			  AND handed_off_at IS NULL
			ORDER BY scheduled_for
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+campaignCols, limit, window.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Campaign
	for rows.Next() {
		var c Campaign
		if err := scanCampaign(rows, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) RecipientsForCampaign(ctx context.Context, emailID string) ([]Recipient, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT `+recipientCols+` FROM email_recipients WHERE email_id=$1 ORDER BY created_at`, emailID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Recipient
	for rows.Next() {
		var r Recipient
		if err := scanRecipient(rows, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkSending is the dispatch engine's entry transition. Conditional so
// a campaign cancelled or finalized in between is not resurrected.
func (s *Store) MarkSending(ctx context.Context, id string) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE emails SET status='SENDING', updated_at=now()
		WHERE id=$1 AND status IN ('SCHEDULED','SENDING')`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return Conflict("send", "terminal")
	}
	return nil
}

// MarkRecipientHandedOff records the provider's message id after a
// successful send. The id is the join key for inbound webhook events.
func (s *Store) MarkRecipientHandedOff(ctx context.Context, recipientID, providerID string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE email_recipients
		SET provider_email_id=$2, status='PENDING', updated_at=now()
		WHERE id=$1`, recipientID, providerID)
	return err
}

func (s *Store) MarkCampaignSent(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE emails SET status='SENT', sent_at=now(), updated_at=now() WHERE id=$1`, id)
	return err
}

func (s *Store) MarkCampaignFailed(ctx context.Context, id, msg string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE emails SET status='FAILED', error=$2, updated_at=now() WHERE id=$1`, id, msg)
	return err
}

// MarkCampaignHandedOff reverts a provider-deferred campaign to
// SCHEDULED after registration; the provider owns delivery from here
// and SENT arrives via webhook.
func (s *Store) MarkCampaignHandedOff(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE emails SET status='SCHEDULED', handed_off_at=now(), updated_at=now()
		WHERE id=$1`, id)
	return err
}

// MarkCampaignSentByDelivery promotes a handed-off campaign to SENT on
// its first delivery confirmation. No-op for locally dispatched
// campaigns (those are SENT before any webhook arrives).
func (s *Store) MarkCampaignSentByDelivery(ctx context.Context, emailID string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE emails SET status='SENT', sent_at=COALESCE(sent_at, now()), updated_at=now()
		WHERE id=$1 AND status='SCHEDULED' AND handed_off_at IS NOT NULL`, emailID)
	return err
}

// RecipientByProviderID resolves the webhook join key. Unknown ids
// return (nil, nil): the ingestor treats them as a soft no-op.
func (s *Store) RecipientByProviderID(ctx context.Context, providerID string) (*Recipient, error) {
	var r Recipient
	err := scanRecipient(s.DB.QueryRow(ctx,
		`SELECT `+recipientCols+` FROM email_recipients WHERE provider_email_id=$1`, providerID), &r)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Recipient status transitions are monotonic along the engagement
// lineage PENDING -> DELIVERED -> OPENED -> CLICKED; BOUNCED and
// COMPLAINED override forward progress. Timestamps stick on first
// write, which makes duplicate webhook deliveries observationally
// idempotent.

func (s *Store) MarkRecipientDelivered(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE email_recipients
		SET status = CASE WHEN status IN ('PENDING','DELIVERED') THEN 'DELIVERED' ELSE status END,
		    delivered_at = COALESCE(delivered_at, now()),
		    updated_at = now()
		WHERE id=$1`, id)
	return err
}

func (s *Store) MarkRecipientOpened(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE email_recipients
		SET status = CASE WHEN status IN ('PENDING','DELIVERED','OPENED') THEN 'OPENED' ELSE status END,
		    opened_at = COALESCE(opened_at, now()),
		    updated_at = now()
		WHERE id=$1`, id)
	return err
}

func (s *Store) MarkRecipientClicked(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE email_recipients
		SET status = CASE WHEN status IN ('PENDING','DELIVERED','OPENED','CLICKED') THEN 'CLICKED' ELSE status END,
		    clicked_at = COALESCE(clicked_at, now()),
		    updated_at = now()
		WHERE id=$1`, id)
	return err
}

func (s *Store) MarkRecipientBounced(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE email_recipients
		SET status='BOUNCED', bounced_at=COALESCE(bounced_at, now()), updated_at=now()
		WHERE id=$1`, id)
	return err
}

func (s *Store) MarkRecipientComplained(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE email_recipients
		SET status='COMPLAINED', complaint_at=COALESCE(complaint_at, now()), updated_at=now()
		WHERE id=$1`, id)
	return err
}

func (s *Store) InsertDeliveryEvent(ctx context.Context, recipientID, eventType string, payload []byte, ip, ua *string) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO email_events(recipient_id, event_type, payload, ip_address, user_agent)
		VALUES($1,$2,$3,$4,$5)`, recipientID, eventType, payload, ip, ua)
	return err
}

// Stats aggregates campaign and recipient counts for one owner,
// optionally bounded to campaigns created at/after since.
func (s *Store) Stats(ctx context.Context, userID string, since *time.Time) (*Stats, error) {
	where := ` WHERE user_id=$1`
	args := []any{userID}
	if since != nil {
		where += ` AND created_at >= $2`
		args = append(args, *since)
	}

	st := &Stats{ByStatus: map[string]int{}}
	err := s.DB.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status='SCHEDULED'),
		       COUNT(*) FILTER (WHERE status='SENT'),
		       COUNT(*) FILTER (WHERE status='FAILED')
		FROM emails`+where, args...).
		Scan(&st.TotalEmails, &st.Scheduled, &st.Sent, &st.Failed)
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.Query(ctx, `
		SELECT r.status, COUNT(*)
		FROM email_recipients r JOIN emails e ON e.id = r.email_id`+
		replaceWherePrefix(where)+`
		GROUP BY r.status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		st.ByStatus[status] = n
		st.TotalRecipients += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	st.Delivered = st.ByStatus[RecipientDelivered] + st.ByStatus[RecipientOpened] + st.ByStatus[RecipientClicked]
	st.Opened = st.ByStatus[RecipientOpened] + st.ByStatus[RecipientClicked]
	st.Bounced = st.ByStatus[RecipientBounced]
	if st.TotalRecipients > 0 {
		st.DeliveryRate = st.Delivered * 100 / st.TotalRecipients
		st.BounceRate = st.Bounced * 100 / st.TotalRecipients
	}
	if st.Delivered > 0 {
		st.OpenRate = st.Opened * 100 / st.Delivered
	}
	return st, nil
}

// The stats recipient query joins through emails; qualify the
// owner/date filters with the e alias.
func replaceWherePrefix(where string) string {
	out := ` WHERE e.user_id=$1`
	if len(where) > len(` WHERE user_id=$1`) {
		out += ` AND e.created_at >= $2`
	}
	return out
}
