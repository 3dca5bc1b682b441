package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/openclaw/dm-responder-go/internal/database"
	apperrors "github.com/openclaw/dm-responder-go/internal/errors"
	"github.com/openclaw/dm-responder-go/internal/model"
	"github.com/openclaw/dm-responder-go/internal/repository"
	"github.com/openclaw/dm-responder-go/internal/router"
	"github.com/openclaw/dm-responder-go/internal/util"
)

// ProvisionPlan is the operator file describing accounts and their replies.
type ProvisionPlan struct {
	Accounts []AccountSpec `yaml:"accounts"`
}

type AccountSpec struct {
	UserID   int64       `yaml:"user_id"`
	Username string      `yaml:"username"`
	Password string      `yaml:"password"`
	Replies  []ReplySpec `yaml:"replies"`
}

type ReplySpec struct {
	Key     string     `yaml:"key"`
	Content string     `yaml:"content"`
	KeyType string     `yaml:"key_type"`
	Start   *time.Time `yaml:"start_date"`
	End     *time.Time `yaml:"end_date"`
}

var keyTypes = []string{string(model.KeyTypeNumber), string(model.KeyTypeText)}

func ParseProvisionPlan(data []byte) (*ProvisionPlan, error) {
	var plan ProvisionPlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, apperrors.ValidationError(fmt.Sprintf("invalid plan: %v", err))
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (p *ProvisionPlan) Validate() error {
	if len(p.Accounts) == 0 {
		return apperrors.MissingRequired("accounts")
	}
	for i, a := range p.Accounts {
		field := fmt.Sprintf("accounts[%d]", i)
		if a.UserID <= 0 {
			return apperrors.InvalidInput(field+".user_id", "must be positive")
		}
		if strings.TrimSpace(a.Username) == "" {
			return apperrors.MissingRequired(field + ".username")
		}
		seen := make(map[string]bool, len(a.Replies))
		for j, r := range a.Replies {
			rf := fmt.Sprintf("%s.replies[%d]", field, j)
			if strings.TrimSpace(r.Key) == "" {
				return apperrors.MissingRequired(rf + ".key")
			}
			if r.Content == "" {
				return apperrors.MissingRequired(rf + ".content")
			}
			if !util.IsValidEnum(r.KeyType, keyTypes) {
				return apperrors.InvalidInput(rf+".key_type", "must be number or text")
			}
			if r.Start != nil && r.End != nil && r.End.Before(*r.Start) {
				return apperrors.InvalidInput(rf+".end_date", "must not be before start_date")
			}
			key := router.NormalizeKey(r.Key)
			if seen[key] {
				return apperrors.InvalidInput(rf+".key", "duplicate key")
			}
			seen[key] = true
		}
	}
	return nil
}

// TxRunner runs fn inside one transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

type ProvisionResult struct {
	AccountsCreated int
	AccountsReused  int
	RepliesCreated  int
}

// Provisioner writes a plan in a single transaction: either every account
// and reply lands or none does.
type Provisioner struct {
	db       TxRunner
	accounts repository.AccountRepository
	messages repository.MessageRepository
}

func NewProvisioner(db TxRunner, accounts repository.AccountRepository, messages repository.MessageRepository) *Provisioner {
	return &Provisioner{db: db, accounts: accounts, messages: messages}
}

// Apply creates missing accounts and all replies of plan. Existing accounts
// are reused as is; their password is not changed. Reply keys are stored in
// the form the router looks them up.
func (p *Provisioner) Apply(ctx context.Context, plan *ProvisionPlan) (*ProvisionResult, error) {
	result := &ProvisionResult{}

	err := p.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		accounts := p.accounts.WithTx(tx)
		messages := p.messages.WithTx(tx)

		for _, a := range plan.Accounts {
			account, err := accounts.FindByUsername(ctx, a.UserID, a.Username)
			if err != nil {
				return apperrors.Database(err)
			}
			if account == nil {
				if a.Password == "" {
					return apperrors.MissingRequired("password for new account " + a.Username)
				}
				if _, err := accounts.Create(ctx, model.CreateAccountParams{
					UserID:   a.UserID,
					Username: a.Username,
					Secret:   a.Password,
				}); err != nil {
					return err
				}
				result.AccountsCreated++
			} else {
				result.AccountsReused++
			}

			for _, r := range a.Replies {
				if _, err := messages.Create(ctx, model.CreateReplyMessageParams{
					UserID:    a.UserID,
					Key:       router.NormalizeKey(r.Key),
					Content:   r.Content,
					KeyType:   model.KeyType(r.KeyType),
					StartDate: r.Start,
					EndDate:   r.End,
				}); err != nil {
					return err
				}
				result.RepliesCreated++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Int("accountsCreated", result.AccountsCreated).
		Int("accountsReused", result.AccountsReused).
		Int("repliesCreated", result.RepliesCreated).
		Msg("provisioning applied")
	return result, nil
}
