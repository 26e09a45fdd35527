package policy

func float(v float64) *float64 { return &v }

// DefaultRules is the built-in rule set used when no rules are configured.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:         "deny_prod_exfiltration",
			Categories:   []Category{CategoryDataExfiltration},
			Environments: []string{"prod", "production"},
			Deny:         true,
		},
		{
			Name:            "require_approval_for_aws_role_access",
			Categories:      []Category{CategoryAWSRoleAccess},
			RequireApproval: true,
		},
		{
			Name:            "require_approval_for_privileged_writes",
			Categories:      []Category{CategoryPrivilegedWrite},
			RequireApproval: true,
		},
		{
			Name:            "financial_threshold_approval",
			Categories:      []Category{CategoryFinancial},
			MinAmount:       float(100),
			RequireApproval: true,
		},
	}
}
