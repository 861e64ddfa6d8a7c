package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"

	"github.com/dhcgn/mail-crawler/model"
)

// CRM stores general feedback together with every attachment.
type CRM struct {
	db *DB
}

// Save inserts the message and its attachments in one transaction and
// returns the feedback row id.
func (c *CRM) Save(ctx context.Context, rec *model.Record) (int64, error) {
	if rec == nil || rec.Mail == nil {
		return 0, errors.New("crm save: record has no mail")
	}
	m := rec.Mail
	body, charset := m.TextBody()
	to, from := address(m.To()), address(m.From())
	nameFrom := ""
	if a := m.From(); a != nil {
		nameFrom = a.Name
	}
	var dateSent sql.NullTime
	if d := m.Date(); !d.IsZero() {
		dateSent = sql.NullTime{Time: d, Valid: true}
	}

	tx, err := c.db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
INSERT INTO crm_feedback
(mailbox, message_id, date_sent, address_to, address_from, name_from, subject, body, charset, received_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Mailbox.Name(), m.MessageID(), dateSent, to, from, nameFrom, m.Subject(), body, charset, time.Now().UTC())
	if err != nil {
		return 0, errors.Wrapf(err, "crm insert of message %q failed", m.MessageID())
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "crm insert id")
	}
	if id <= 0 {
		return 0, errors.Errorf("crm insert of message %q returned id %d", m.MessageID(), id)
	}

	attachments := m.Attachments()
	if len(attachments) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO crm_attachments (feedback_id, name, media_type, body) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return 0, errors.Wrap(err, "db prepare statement failed for attachment insert")
		}
		defer stmt.Close()

		for _, a := range attachments {
			if _, err := stmt.ExecContext(ctx, id, a.Filename, a.MediaType, a.Body); err != nil {
				return 0, errors.Wrapf(err, "attachment %q of feedback %d", a.Filename, id)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "crm commit")
	}
	c.db.logger.Debug("crm feedback saved", "id", id, "message_id", m.MessageID(), "attachments", len(attachments))
	return id, nil
}

// FBL stores feedback-loop reports.
type FBL struct {
	db *DB
}

func (f *FBL) Add(ctx context.Context, rec *model.Record) (int64, error) {
	if rec == nil || rec.Mail == nil {
		return 0, errors.New("fbl add: record has no mail")
	}
	m := rec.Mail
	report, _ := m.FeedbackReport()

	res, err := f.db.db.ExecContext(ctx, `
INSERT INTO fbl_reports
(mailbox, message_id, subject, address_to, address_from, feedback_type, source_ip, auth_results,
 original_rcpt_to, original_mail_from, original_subject, raw_message, received_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Mailbox.Name(), m.MessageID(), m.Subject(), address(m.To()), address(m.From()),
		nullable(report.FeedbackType), nullable(report.SourceIP), nullable(report.AuthResults),
		nullable(report.OriginalRcptTo), nullable(report.OriginalMailFrom), nullable(report.OriginalSubject),
		m.Raw, time.Now().UTC())
	if err != nil {
		return 0, errors.Wrapf(err, "fbl insert of message %q failed", m.MessageID())
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "fbl insert id")
	}
	return id, nil
}

// Bounce stores bounces with the detected type and recipient.
type Bounce struct {
	db *DB
}

func (b *Bounce) Add(ctx context.Context, rec *model.Record) (int64, error) {
	if rec == nil || rec.Mail == nil {
		return 0, errors.New("bounce add: record has no mail")
	}
	m := rec.Mail
	body, _ := m.TextBody()

	res, err := b.db.db.ExecContext(ctx, `
INSERT INTO bounces
(mailbox, message_id, subject, address_to, address_from, body, bounce_type, recipient, raw_message, received_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Mailbox.Name(), m.MessageID(), m.Subject(), address(m.To()), address(m.From()), body,
		nullable(rec.Subtype), nullable(rec.Recipient), m.Raw, time.Now().UTC())
	if err != nil {
		return 0, errors.Wrapf(err, "bounce insert of message %q failed", m.MessageID())
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "bounce insert id")
	}
	return id, nil
}

// BounceRow is a stored bounce as read back by Bounces.
type BounceRow struct {
	ID        int64
	MessageID string
	Type      string
	Recipient string
}

// Bounces lists stored bounces in insertion order.
func (db *DB) Bounces(ctx context.Context) ([]BounceRow, error) {
	rows, err := db.db.QueryContext(ctx, `
SELECT id, message_id, COALESCE(bounce_type, ''), COALESCE(recipient, '')
FROM bounces ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "query bounces")
	}
	defer rows.Close()

	var out []BounceRow
	for rows.Next() {
		var r BounceRow
		if err := rows.Scan(&r.ID, &r.MessageID, &r.Type, &r.Recipient); err != nil {
			return nil, errors.Wrap(err, "scan bounce")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate bounces")
}

func address(a *mail.Address) string {
	if a == nil {
		return ""
	}
	return a.Address
}
