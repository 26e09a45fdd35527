package policy

import "regexp"

// awsRoleARN matches AWS IAM role ARNs embedded in free-form text.
var awsRoleARN = regexp.MustCompile(`arn:aws:iam::\d{12}:role/[A-Za-z0-9+=,.@_/-]+`)

// InferAction derives a category and target resource from a natural-language
// description. Detects IAM role ARNs; everything else falls back to
// (other, "").
func InferAction(description string) (Category, string) {
	if m := awsRoleARN.FindString(description); m != "" {
		return CategoryAWSRoleAccess, m
	}
	return CategoryOther, ""
}
