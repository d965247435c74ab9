package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-gate-bot/internal/captcha"
	"github.com/tbourn/go-gate-bot/internal/domain"
	"github.com/tbourn/go-gate-bot/internal/matrix"
)

const (
	botID    = "@gate:example.org"
	mainRoom = "!main:example.org"
	userU    = "@u:example.org"
)

// ----- Fake chat client -----

type sentMessage struct {
	RoomID  string
	Content matrix.MessageContent
}

type fakeClient struct {
	mu sync.Mutex

	members     map[string][]string
	powerLevels map[string]*matrix.PowerLevels
	labels      map[string]string
	roomTypes   map[string]string

	nextRoom  int
	created   []matrix.CreateRoomRequest
	left      map[string]string // room -> reason
	sent      []sentMessage
	redacted  []string
	receipts  []string
	uploads   int
	plWrites  int
	joined    []string
	createErr error
	plReadErr error
	plSetErr  error
	redactErr error
	uploadErr error
	sendErr   func(content matrix.MessageContent) error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		members:     map[string][]string{mainRoom: {botID, "@a:example.org", "@b:example.org", userU}},
		powerLevels: map[string]*matrix.PowerLevels{mainRoom: defaultPowerLevels()},
		labels:      map[string]string{mainRoom: "#main:example.org"},
		roomTypes:   map[string]string{},
		left:        map[string]string{},
	}
}

func intp(v int) *int { return &v }

func defaultPowerLevels() *matrix.PowerLevels {
	return &matrix.PowerLevels{
		Users:         map[string]int{botID: 100},
		UsersDefault:  intp(0),
		EventsDefault: intp(0),
		StateDefault:  intp(50),
		Redact:        intp(50),
		Events:        map[string]int{matrix.EventTypePowerLevels: 100},
	}
}

func (f *fakeClient) UserID() string { return botID }

func (f *fakeClient) DisplayName(context.Context, string) (string, error) { return "Gate Bot", nil }

func (f *fakeClient) JoinRoom(_ context.Context, room string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, room)
	return room, nil
}

func (f *fakeClient) JoinedMembers(_ context.Context, room string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.members[room]...), nil
}

func (f *fakeClient) CreateRoom(_ context.Context, req matrix.CreateRoomRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextRoom++
	f.created = append(f.created, req)
	return fmt.Sprintf("!verify%d:example.org", f.nextRoom), nil
}

func (f *fakeClient) InviteUser(context.Context, string, string) error { return nil }

func (f *fakeClient) LeaveRoom(_ context.Context, room, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left[room] = reason
	return nil
}

func (f *fakeClient) SendMessage(_ context.Context, room string, content matrix.MessageContent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		if err := f.sendErr(content); err != nil {
			return "", err
		}
	}
	f.sent = append(f.sent, sentMessage{RoomID: room, Content: content})
	return fmt.Sprintf("$sent%d", len(f.sent)), nil
}

func (f *fakeClient) RedactEvent(_ context.Context, _, eventID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.redactErr != nil {
		return "", f.redactErr
	}
	f.redacted = append(f.redacted, eventID)
	return "$redaction", nil
}

func (f *fakeClient) SendReadReceipt(_ context.Context, _, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, eventID)
	return nil
}

func (f *fakeClient) UploadMedia(context.Context, string, string, []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads++
	return "mxc://example.org/captcha", nil
}

func (f *fakeClient) PowerLevels(_ context.Context, room string) (*matrix.PowerLevels, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.plReadErr != nil {
		return nil, f.plReadErr
	}
	pl, ok := f.powerLevels[room]
	if !ok {
		return nil, &matrix.MatrixError{Code: matrix.ErrCodeNotFound, StatusCode: 404}
	}
	cp := *pl
	cp.Users = make(map[string]int, len(pl.Users))
	for k, v := range pl.Users {
		cp.Users[k] = v
	}
	return &cp, nil
}

func (f *fakeClient) SetPowerLevels(_ context.Context, room string, pl *matrix.PowerLevels) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.plSetErr != nil {
		return f.plSetErr
	}
	f.plWrites++
	f.powerLevels[room] = pl
	return nil
}

func (f *fakeClient) RoomLabel(_ context.Context, room string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.labels[room]; ok {
		return l
	}
	return room
}

func (f *fakeClient) RoomType(_ context.Context, room string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roomTypes[room], nil
}

func (f *fakeClient) userLevel(room, user string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.powerLevels[room].UserLevel(user)
}

func (f *fakeClient) images() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.Content.MsgType == matrix.MsgImage {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeClient) sentContaining(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if strings.Contains(m.Content.Body, substr) {
			n++
		}
	}
	return n
}

// ----- Fake challenge provider -----

type fakeProvider struct {
	mu       sync.Mutex
	solution string
	err      error
	calls    int
}

func (p *fakeProvider) Challenge(_ context.Context, w, h, n int) (*captcha.Challenge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &captcha.Challenge{Image: []byte("png"), ContentType: "image/png", Solution: p.solution, Width: w, Height: h}, nil
}

var errBoom = errors.New("boom")

// ----- Event builders -----

func memberEvent(id, room, sender, target, membership, prev string) *matrix.Event {
	ev := &matrix.Event{
		EventID:  id,
		Type:     matrix.EventTypeMember,
		RoomID:   room,
		Sender:   sender,
		StateKey: &target,
		Content:  []byte(`{"membership":"` + membership + `"}`),
	}
	if prev != "" {
		ev.Unsigned = &matrix.Unsigned{PrevContent: []byte(`{"membership":"` + prev + `"}`)}
	}
	return ev
}

func textEvent(id, room, sender, body string) *matrix.Event {
	c, _ := json.Marshal(matrix.MessageContent{MsgType: matrix.MsgText, Body: body})
	return &matrix.Event{EventID: id, Type: matrix.EventTypeMessage, RoomID: room, Sender: sender, Content: c}
}

// ----- Stores -----

func newSQLStoreForTest(t *testing.T) *SQLStore {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.VerificationSession{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return NewSQLStore(db)
}
