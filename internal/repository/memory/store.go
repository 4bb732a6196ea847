// Package memory implements every repository interface on in-process
// maps. It backs tests and STORAGE_DRIVER=memory runs and enforces the
// same uniqueness rules as the Postgres schema.
package memory

import (
	"sync"
	"time"

	"github.com/unclebandit/sms-dispatch/internal/model"
)

type Store struct {
	mu sync.Mutex

	campaigns   map[int]*model.Campaign
	recipients  map[int]*model.Recipient
	blacklist   map[string]*model.BlacklistEntry
	gateways    map[int]*model.GatewayConfiguration
	departments map[int]*model.Department

	nextCampaign, nextRecipient, nextBlacklist, nextGateway, nextDepartment int

	// Now stamps rows; defaults to time.Now.
	Now func() time.Time
}

func New() *Store {
	return &Store{
		campaigns:   map[int]*model.Campaign{},
		recipients:  map[int]*model.Recipient{},
		blacklist:   map[string]*model.BlacklistEntry{},
		gateways:    map[int]*model.GatewayConfiguration{},
		departments: map[int]*model.Department{},
		Now:         time.Now,
	}
}

func (s *Store) Campaigns() *CampaignRepository       { return &CampaignRepository{s} }
func (s *Store) Recipients() *RecipientRepository     { return &RecipientRepository{s} }
func (s *Store) Blacklist() *BlacklistRepository      { return &BlacklistRepository{s} }
func (s *Store) Gateways() *GatewayConfigRepository   { return &GatewayConfigRepository{s} }
func (s *Store) Departments() *DepartmentRepository   { return &DepartmentRepository{s} }
func (s *Store) Expenditures() *ExpenditureRepository { return &ExpenditureRepository{s} }
