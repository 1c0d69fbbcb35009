// Package approval persists approval and question records and decides
// whether shell commands may run without a human, via the allowlist.
package approval

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/capstan-dev/capstan/internal/store"
)

// Approval statuses.
const (
	StatusPending = "pending"
	StatusApprove = "approve"
	StatusReject  = "reject"
	StatusModify  = "modify"
)

// Question statuses.
const (
	StatusAnswered = "answered"
)

// ErrNotFound is returned for unknown record ids.
var ErrNotFound = errors.New("record not found")

// ErrResolved is returned when resolving a record twice.
var ErrResolved = errors.New("already resolved")

// Approval is one pending human decision, stored as db/approvals/<id>.yml.
type Approval struct {
	APIVersion string       `yaml:"apiVersion"`
	Kind       string       `yaml:"kind"`
	Metadata   RecordHeader `yaml:"metadata"`
	Spec       ApprovalSpec `yaml:"spec"`
}

// ApprovalSpec is the mutable body of an approval.
type ApprovalSpec struct {
	Type        string     `yaml:"type,omitempty"`
	Description string     `yaml:"description"`
	Status      string     `yaml:"status"`
	Response    string     `yaml:"response,omitempty"`
	ResolvedAt  *time.Time `yaml:"resolvedAt,omitempty"`
}

// Question is one pending human question, stored as db/questions/<id>.yml.
type Question struct {
	APIVersion string       `yaml:"apiVersion"`
	Kind       string       `yaml:"kind"`
	Metadata   RecordHeader `yaml:"metadata"`
	Spec       QuestionSpec `yaml:"spec"`
}

// QuestionSpec is the mutable body of a question.
type QuestionSpec struct {
	Question   string     `yaml:"question"`
	Status     string     `yaml:"status"`
	Answer     string     `yaml:"answer,omitempty"`
	ResolvedAt *time.Time `yaml:"resolvedAt,omitempty"`
}

// RecordHeader identifies an approval or question and its owners.
type RecordHeader struct {
	ID         int       `yaml:"id"`
	SessionID  int       `yaml:"sessionId"`
	ToolCallID string    `yaml:"toolCallId,omitempty"`
	Created    time.Time `yaml:"created"`
}

// Records owns the approval and question collections plus their id
// counters. Counters are process-lifetime, seeded past any records left
// on disk so filenames never collide.
type Records struct {
	approvals *store.Collection[*Approval]
	questions *store.Collection[*Question]
	logger    *log.Logger

	mu             sync.Mutex
	nextApprovalID int
	nextQuestionID int
}

// NewRecords returns record stores rooted at the installation directory.
func NewRecords(root string, logger *log.Logger) *Records {
	if logger == nil {
		logger = log.Default()
	}
	r := &Records{
		approvals:      store.NewCollection[*Approval](filepath.Join(root, "db", "approvals"), logger),
		questions:      store.NewCollection[*Question](filepath.Join(root, "db", "questions"), logger),
		logger:         logger,
		nextApprovalID: 1,
		nextQuestionID: 1,
	}
	r.nextApprovalID = seedCounter(r.approvals)
	r.nextQuestionID = seedCounter(r.questions)
	return r
}

func seedCounter[T any](c *store.Collection[T]) int {
	next := 1
	ids, err := c.List()
	if err != nil {
		return next
	}
	for _, id := range ids {
		if n, err := strconv.Atoi(id); err == nil && n >= next {
			next = n + 1
		}
	}
	return next
}

// CreateApproval persists a new pending approval and returns it.
func (r *Records) CreateApproval(sessionID int, toolCallID, approvalType, description string) (*Approval, error) {
	r.mu.Lock()
	id := r.nextApprovalID
	r.nextApprovalID++
	r.mu.Unlock()

	a := &Approval{
		APIVersion: "daemon/v1",
		Kind:       "Approval",
		Metadata: RecordHeader{
			ID:         id,
			SessionID:  sessionID,
			ToolCallID: toolCallID,
			Created:    time.Now().UTC(),
		},
		Spec: ApprovalSpec{
			Type:        approvalType,
			Description: description,
			Status:      StatusPending,
		},
	}
	r.approvals.Set(strconv.Itoa(id), a)
	if err := r.approvals.Save(); err != nil {
		return nil, fmt.Errorf("saving approval %d: %w", id, err)
	}
	return a, nil
}

// GetApproval returns an approval by id.
func (r *Records) GetApproval(id int) (*Approval, error) {
	a, err := r.approvals.Get(strconv.Itoa(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("approval %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return a, nil
}

// ResolveApproval moves a pending approval to a terminal status exactly
// once.
func (r *Records) ResolveApproval(id int, status, response string) (*Approval, error) {
	a, err := r.GetApproval(id)
	if err != nil {
		return nil, err
	}
	if a.Spec.Status != StatusPending {
		return nil, fmt.Errorf("approval %d is %s: %w", id, a.Spec.Status, ErrResolved)
	}
	now := time.Now().UTC()
	a.Spec.Status = status
	a.Spec.Response = response
	a.Spec.ResolvedAt = &now
	r.approvals.Set(strconv.Itoa(id), a)
	if err := r.approvals.Save(); err != nil {
		return nil, fmt.Errorf("saving approval %d: %w", id, err)
	}
	return a, nil
}

// PendingApprovals returns all approvals still awaiting a decision,
// ordered by id.
func (r *Records) PendingApprovals() ([]*Approval, error) {
	ids, err := r.approvals.List()
	if err != nil {
		return nil, err
	}
	var pending []*Approval
	for _, id := range ids {
		a, err := r.approvals.Get(id)
		if err != nil || a.Spec.Status != StatusPending {
			continue
		}
		pending = append(pending, a)
	}
	sortByID(pending, func(a *Approval) int { return a.Metadata.ID })
	return pending, nil
}

// CreateQuestion persists a new pending question and returns it.
func (r *Records) CreateQuestion(sessionID int, toolCallID, question string) (*Question, error) {
	r.mu.Lock()
	id := r.nextQuestionID
	r.nextQuestionID++
	r.mu.Unlock()

	q := &Question{
		APIVersion: "daemon/v1",
		Kind:       "Question",
		Metadata: RecordHeader{
			ID:         id,
			SessionID:  sessionID,
			ToolCallID: toolCallID,
			Created:    time.Now().UTC(),
		},
		Spec: QuestionSpec{
			Question: question,
			Status:   StatusPending,
		},
	}
	r.questions.Set(strconv.Itoa(id), q)
	if err := r.questions.Save(); err != nil {
		return nil, fmt.Errorf("saving question %d: %w", id, err)
	}
	return q, nil
}

// GetQuestion returns a question by id.
func (r *Records) GetQuestion(id int) (*Question, error) {
	q, err := r.questions.Get(strconv.Itoa(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("question %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return q, nil
}

// AnswerQuestion records the human answer exactly once.
func (r *Records) AnswerQuestion(id int, answer string) (*Question, error) {
	q, err := r.GetQuestion(id)
	if err != nil {
		return nil, err
	}
	if q.Spec.Status != StatusPending {
		return nil, fmt.Errorf("question %d is %s: %w", id, q.Spec.Status, ErrResolved)
	}
	now := time.Now().UTC()
	q.Spec.Status = StatusAnswered
	q.Spec.Answer = answer
	q.Spec.ResolvedAt = &now
	r.questions.Set(strconv.Itoa(id), q)
	if err := r.questions.Save(); err != nil {
		return nil, fmt.Errorf("saving question %d: %w", id, err)
	}
	return q, nil
}

// PendingQuestions returns all unanswered questions, ordered by id.
func (r *Records) PendingQuestions() ([]*Question, error) {
	ids, err := r.questions.List()
	if err != nil {
		return nil, err
	}
	var pending []*Question
	for _, id := range ids {
		q, err := r.questions.Get(id)
		if err != nil || q.Spec.Status != StatusPending {
			continue
		}
		pending = append(pending, q)
	}
	sortByID(pending, func(q *Question) int { return q.Metadata.ID })
	return pending, nil
}

func sortByID[T any](items []T, id func(T) int) {
	sort.Slice(items, func(i, j int) bool { return id(items[i]) < id(items[j]) })
}
