package adapter

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/brandon/outlook-mcp/internal/config"
	"github.com/brandon/outlook-mcp/internal/fault"
	"github.com/brandon/outlook-mcp/pkg/types"
)

const previewLength = 255

// IMAPAdapter implements MailAdapter against a standards-speaking mail
// store over IMAP, with SMTP as the outgoing pipeline. Folder ids are the
// store's mailbox names; email ids are "mailbox\x00uid" pairs, opaque to
// callers and stable for the lifetime of the connection's server run.
type IMAPAdapter struct {
	cfg    *config.MailConfig
	client *client.Client
	logger *logrus.Logger
	sender *smtpSender
}

// NewIMAPAdapter connects and authenticates a fresh adapter handle.
func NewIMAPAdapter(ctx context.Context, cfg *config.MailConfig, logger *logrus.Logger) (*IMAPAdapter, error) {
	addr := fmt.Sprintf("%s:%d", cfg.IMAPHost, cfg.IMAPPort)

	dialer := &tls.Dialer{Config: &tls.Config{
		ServerName: cfg.IMAPHost,
		MinVersion: tls.VersionTLS12,
	}}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fault.Unavailable(errors.Wrap(err, "dial IMAP server"))
	}

	cl, err := client.New(conn)
	if err != nil {
		conn.Close()
		return nil, fault.Unavailable(errors.Wrap(err, "IMAP greeting"))
	}

	if err := cl.Login(cfg.IMAPUsername, cfg.IMAPPassword); err != nil {
		cl.Logout() //nolint:errcheck
		return nil, fault.Wrap(fault.KindPermissionDenied, err, "IMAP login rejected")
	}

	logger.WithField("host", cfg.IMAPHost).Info("Connected to mail store")

	return &IMAPAdapter{
		cfg:    cfg,
		client: cl,
		logger: logger,
		sender: newSMTPSender(cfg, logger),
	}, nil
}

// Close logs out and drops the connection.
func (a *IMAPAdapter) Close() error {
	if a.client == nil {
		return nil
	}
	err := a.client.Logout()
	a.client = nil
	return err
}

// Probe checks connection liveness without touching user data.
func (a *IMAPAdapter) Probe(ctx context.Context) error {
	if a.client == nil {
		return fault.New(fault.KindUnavailable, "connection closed")
	}
	if err := a.client.Noop(); err != nil {
		return fault.Unavailable(errors.Wrap(err, "NOOP"))
	}
	return nil
}

// ListFolders walks the mailbox tree.
func (a *IMAPAdapter) ListFolders(ctx context.Context) ([]types.Folder, error) {
	mailboxes := make(chan *imap.MailboxInfo, 16)
	done := make(chan error, 1)
	go func() {
		done <- a.client.List("", "*", mailboxes)
	}()

	var infos []*imap.MailboxInfo
	for m := range mailboxes {
		infos = append(infos, m)
	}
	if err := <-done; err != nil {
		return nil, a.classify(err, "list folders")
	}

	children := make(map[string]bool, len(infos))
	for _, m := range infos {
		if m.Delimiter == "" {
			continue
		}
		if i := strings.LastIndex(m.Name, m.Delimiter); i > 0 {
			children[m.Name[:i]] = true
		}
	}

	folders := make([]types.Folder, 0, len(infos))
	for _, m := range infos {
		f := types.Folder{
			ID:            m.Name,
			Name:          baseName(m.Name, m.Delimiter),
			FullPath:      fullPath(m.Name, m.Delimiter),
			FolderType:    types.FolderTypeMail,
			Accessible:    true,
			HasSubfolders: children[m.Name],
		}
		if m.Delimiter != "" {
			if i := strings.LastIndex(m.Name, m.Delimiter); i > 0 {
				f.ParentID = m.Name[:i]
			}
		}
		for _, attr := range m.Attributes {
			switch attr {
			case imap.NoSelectAttr:
				f.Accessible = false
			case "\\HasChildren":
				f.HasSubfolders = true
			}
		}
		if f.Accessible {
			status, err := a.client.Status(m.Name, []imap.StatusItem{imap.StatusMessages, imap.StatusUnseen})
			if err != nil {
				// Some stores refuse STATUS on shared or virtual
				// mailboxes; surface the folder as inaccessible.
				a.logger.WithError(err).WithField("folder", f.FullPath).Debug("STATUS failed")
				f.Accessible = false
			} else {
				f.ItemCount = int(status.Messages)
				f.UnreadCount = int(status.Unseen)
			}
		}
		folders = append(folders, f)
	}

	return folders, nil
}

// ResolveInbox returns the default inbox id.
func (a *IMAPAdapter) ResolveInbox(ctx context.Context) (string, error) {
	// INBOX is case-insensitive and always present per the protocol.
	if _, err := a.client.Status("INBOX", []imap.StatusItem{imap.StatusMessages}); err != nil {
		return "", a.classify(err, "resolve inbox")
	}
	return "INBOX", nil
}

// ListEmails returns the newest messages of a folder.
func (a *IMAPAdapter) ListEmails(ctx context.Context, folderID string, unreadOnly bool, limit int) ([]types.EmailSummary, error) {
	mbox, err := a.client.Select(folderID, true)
	if err != nil {
		return nil, a.classifySelect(err, folderID)
	}
	if mbox.Messages == 0 {
		return []types.EmailSummary{}, nil
	}

	var uids []uint32
	if unreadOnly {
		criteria := imap.NewSearchCriteria()
		criteria.WithoutFlags = []string{imap.SeenFlag}
		uids, err = a.client.UidSearch(criteria)
		if err != nil {
			return nil, a.classify(err, "search unread")
		}
		if len(uids) == 0 {
			return []types.EmailSummary{}, nil
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
		if len(uids) > limit {
			uids = uids[:limit]
		}
		return a.fetchSummaries(folderID, uids)
	}

	// Newest messages sit at the top of the sequence range.
	from := uint32(1)
	if int(mbox.Messages) > limit {
		from = mbox.Messages - uint32(limit) + 1
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(from, mbox.Messages)
	return a.fetchSummarySet(folderID, seqSet, false)
}

// GetEmail fetches one message in full.
func (a *IMAPAdapter) GetEmail(ctx context.Context, emailID string) (*types.EmailFull, error) {
	folderID, uid, err := splitEmailID(emailID)
	if err != nil {
		return nil, fault.EmailNotFound(emailID)
	}

	if _, err := a.client.Select(folderID, true); err != nil {
		return nil, a.classifySelect(err, folderID)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchEnvelope, imap.FetchFlags, imap.FetchInternalDate,
		imap.FetchUid, imap.FetchRFC822Size, section.FetchItem(),
	}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- a.client.UidFetch(seqSet, items, messages)
	}()

	var msg *imap.Message
	for m := range messages {
		msg = m
	}
	if err := <-done; err != nil {
		return nil, a.classify(err, "fetch email")
	}
	if msg == nil {
		return nil, fault.EmailNotFound(emailID)
	}

	full := &types.EmailFull{EmailSummary: a.summaryFromMessage(msg, folderID)}
	full.Cc = addressList(msg.Envelope.Cc)
	full.Bcc = addressList(msg.Envelope.Bcc)

	if literal := bodyLiteral(msg, section); literal != nil {
		a.parseBody(full, literal)
	}

	return full, nil
}

// Search passes the query through as a full-text criterion.
func (a *IMAPAdapter) Search(ctx context.Context, query string, folderID string, limit int) ([]types.EmailSummary, error) {
	if folderID == "" {
		var err error
		folderID, err = a.ResolveInbox(ctx)
		if err != nil {
			return nil, err
		}
	}
	if _, err := a.client.Select(folderID, true); err != nil {
		return nil, a.classifySelect(err, folderID)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Text = []string{query}
	uids, err := a.client.UidSearch(criteria)
	if err != nil {
		return nil, fault.Wrap(fault.KindSearchFailed, err, "store search failed").WithDetail("query_length", len(query))
	}
	if len(uids) == 0 {
		return []types.EmailSummary{}, nil
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	if len(uids) > limit {
		uids = uids[:limit]
	}
	return a.fetchSummaries(folderID, uids)
}

// Send hands the message to the SMTP pipeline.
func (a *IMAPAdapter) Send(ctx context.Context, email *types.OutgoingEmail) (string, error) {
	return a.sender.Send(ctx, email)
}

func (a *IMAPAdapter) fetchSummaries(folderID string, uids []uint32) ([]types.EmailSummary, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	return a.fetchSummarySet(folderID, seqSet, true)
}

func (a *IMAPAdapter) fetchSummarySet(folderID string, seqSet *imap.SeqSet, byUID bool) ([]types.EmailSummary, error) {
	items := []imap.FetchItem{
		imap.FetchEnvelope, imap.FetchFlags, imap.FetchInternalDate,
		imap.FetchUid, imap.FetchRFC822Size, imap.FetchBodyStructure,
	}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		if byUID {
			done <- a.client.UidFetch(seqSet, items, messages)
		} else {
			done <- a.client.Fetch(seqSet, items, messages)
		}
	}()

	var summaries []types.EmailSummary
	for msg := range messages {
		summaries = append(summaries, a.summaryFromMessage(msg, folderID))
	}
	if err := <-done; err != nil {
		return nil, a.classify(err, "fetch summaries")
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ReceivedTime.After(summaries[j].ReceivedTime)
	})
	if summaries == nil {
		summaries = []types.EmailSummary{}
	}
	return summaries, nil
}

func (a *IMAPAdapter) summaryFromMessage(msg *imap.Message, folderID string) types.EmailSummary {
	s := types.EmailSummary{
		ID:           joinEmailID(folderID, msg.Uid),
		FolderID:     folderID,
		ReceivedTime: msg.InternalDate,
		Importance:   types.ImportanceNormal,
		SizeBytes:    int64(msg.Size),
		Recipients:   []string{},
		IsRead:       true,
	}

	if msg.Envelope != nil {
		s.Subject = msg.Envelope.Subject
		s.SentTime = msg.Envelope.Date
		if len(msg.Envelope.From) > 0 {
			s.SenderName = msg.Envelope.From[0].PersonalName
			s.SenderEmail = msg.Envelope.From[0].Address()
		}
		s.Recipients = addressList(msg.Envelope.To)
	}
	if s.ReceivedTime.IsZero() {
		s.ReceivedTime = s.SentTime
	}

	s.IsRead = hasFlag(msg.Flags, imap.SeenFlag)
	s.HasAttachments = structureHasAttachments(msg.BodyStructure)

	return s
}

func (a *IMAPAdapter) parseBody(full *types.EmailFull, literal imap.Literal) {
	raw, err := readLiteral(literal)
	if err != nil || len(raw) == 0 {
		a.logger.WithError(err).Debug("Failed to read message literal")
		return
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		// Fall back to the raw payload rather than losing the body.
		a.logger.WithError(err).Debug("Failed to parse MIME envelope, using raw body")
		full.BodyText = string(raw)
		full.BodyPreview = makePreview(full.BodyText)
		return
	}

	full.BodyText = env.Text
	full.BodyHTML = env.HTML
	if full.BodyText == "" && full.BodyHTML != "" {
		if text, err := html2text.FromString(full.BodyHTML, html2text.Options{TextOnly: true}); err == nil {
			full.BodyText = text
		}
	}
	full.BodyPreview = makePreview(full.BodyText)
	full.Importance = importanceFromHeaders(env)

	for _, part := range env.Attachments {
		full.Attachments = append(full.Attachments, types.Attachment{
			Name:      part.FileName,
			SizeBytes: int64(len(part.Content)),
			MimeType:  part.ContentType,
		})
	}
	full.HasAttachments = full.HasAttachments || len(full.Attachments) > 0
}

// classifySelect maps mailbox selection errors, attributing missing and
// refused mailboxes to the folder id the caller supplied.
func (a *IMAPAdapter) classifySelect(err error, folderID string) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonexistent"), strings.Contains(msg, "no such mailbox"),
		strings.Contains(msg, "unknown mailbox"), strings.Contains(msg, "doesn't exist"):
		return fault.FolderNotFound(folderID)
	case strings.Contains(msg, "permission"), strings.Contains(msg, "access denied"),
		strings.Contains(msg, "not allowed"):
		return fault.PermissionDenied(folderID)
	}
	return a.classify(err, "select folder")
}

// classify maps store errors onto the closed failure taxonomy.
func (a *IMAPAdapter) classify(err error, op string) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "access denied"),
		strings.Contains(msg, "not allowed"):
		return fault.Wrap(fault.KindPermissionDenied, err, op+" refused by store")
	case strings.Contains(msg, "connection closed"), strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "use of closed"), strings.Contains(msg, "eof"):
		return fault.Wrap(fault.KindUnavailable, err, op+" failed")
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "temporar"):
		return fault.Wrap(fault.KindTransient, err, op+" failed")
	default:
		return fault.Wrap(fault.KindTransient, err, op+" failed")
	}
}

func importanceFromHeaders(env *enmime.Envelope) string {
	switch strings.ToLower(env.GetHeader("Importance")) {
	case "high":
		return types.ImportanceHigh
	case "low":
		return types.ImportanceLow
	}
	switch env.GetHeader("X-Priority") {
	case "1", "2":
		return types.ImportanceHigh
	case "4", "5":
		return types.ImportanceLow
	}
	return types.ImportanceNormal
}

func structureHasAttachments(bs *imap.BodyStructure) bool {
	if bs == nil {
		return false
	}
	if strings.EqualFold(bs.Disposition, "attachment") {
		return true
	}
	for _, part := range bs.Parts {
		if structureHasAttachments(part) {
			return true
		}
	}
	return false
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func addressList(addrs []*imap.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address())
	}
	return out
}

func bodyLiteral(msg *imap.Message, section *imap.BodySectionName) imap.Literal {
	if msg.Body == nil {
		return nil
	}
	if literal := msg.GetBody(section); literal != nil {
		return literal
	}
	for _, literal := range msg.Body {
		return literal
	}
	return nil
}

func readLiteral(literal imap.Literal) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(literal); err != nil {
		return buf.Bytes(), err
	}
	return buf.Bytes(), nil
}

func makePreview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) > previewLength {
		return string(runes[:previewLength])
	}
	return text
}

func baseName(name, delimiter string) string {
	if delimiter == "" {
		return name
	}
	if i := strings.LastIndex(name, delimiter); i >= 0 {
		return name[i+len(delimiter):]
	}
	return name
}

func fullPath(name, delimiter string) string {
	if delimiter == "" || delimiter == "/" {
		return name
	}
	return strings.ReplaceAll(name, delimiter, "/")
}

// Email ids pair the mailbox with the message UID. The NUL separator cannot
// occur in mailbox names, keeping the id unambiguous.
func joinEmailID(folderID string, uid uint32) string {
	return folderID + "\x00" + strconv.FormatUint(uint64(uid), 10)
}

func splitEmailID(emailID string) (string, uint32, error) {
	i := strings.LastIndexByte(emailID, 0)
	if i < 0 {
		return "", 0, fmt.Errorf("malformed email id")
	}
	uid, err := strconv.ParseUint(emailID[i+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("malformed email id: %w", err)
	}
	return emailID[:i], uint32(uid), nil
}
