package domain

// Recipient is a tenant or company user as seen by the notification queue.
// Contact fields are raw values from the company-side records and may be
// empty or malformed.
type Recipient struct {
	ID        string
	CompanyID string
	Type      RecipientType
	Name      string
	Email     string
	Phone     string
}

// Role is the caller role carried by API tokens.
type Role string

// Roles.
const (
	RoleService  Role = "service"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleService:  1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// HasPermission reports whether r grants at least the privileges of required.
func (r Role) HasPermission(required Role) bool {
	have, ok := roleRank[r]
	if !ok {
		return false
	}
	return have >= roleRank[required]
}

// IsValid checks if role is known.
func (r Role) IsValid() bool {
	_, ok := roleRank[r]
	return ok
}
