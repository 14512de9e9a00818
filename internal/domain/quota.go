package domain

// QuotaLimits holds one kind of limit (soft or hard) for both phases, used to
// seed a UserQuota row the first time a user is seen (§4.6).
type QuotaLimits struct {
	Simple   int
	Advanced int
}

// QuotaKindColumn discriminates which phase's usage counter a quota
// operation targets.
type QuotaKindColumn string

const (
	QuotaKindSimple   QuotaKindColumn = "simple"
	QuotaKindAdvanced QuotaKindColumn = "advanced"
)
