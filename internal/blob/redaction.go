package blob

import "regexp"

// BuiltinRedactionRules returns the default ordered rule set applied to
// prompt/response payloads before hashing, modeled on the regex-sweep half
// of codeready-toolchain-tarsy's masking.Service (compiled patterns applied
// in sequence, each with a fixed replacement). Structural, format-aware
// masking (the equivalent of that package's KubernetesSecretMasker) is left
// to callers that know their payload's shape; this package only supplies
// the general-purpose sweep since prompt/response bytes here are opaque
// text, not a known resource schema.
func BuiltinRedactionRules() []RedactionRule {
	return []RedactionRule{
		regexRule("aws_access_key", `AKIA[0-9A-Z]{16}`, "[REDACTED_AWS_KEY]"),
		regexRule("aws_secret_key", `(?i)aws_secret_access_key\s*[:=]\s*[A-Za-z0-9/+=]{40}`, "[REDACTED_AWS_SECRET]"),
		regexRule("bearer_token", `(?i)bearer\s+[A-Za-z0-9\-._~+/]{20,}=*`, "Bearer [REDACTED_TOKEN]"),
		regexRule("anthropic_key", `sk-ant-[A-Za-z0-9\-_]{20,}`, "[REDACTED_API_KEY]"),
		regexRule("openai_key", `sk-[A-Za-z0-9]{20,}`, "[REDACTED_API_KEY]"),
		regexRule("private_key_block", `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`, "[REDACTED_PRIVATE_KEY]"),
		regexRule("generic_password_field", `(?i)"password"\s*:\s*"[^"]*"`, `"password":"[REDACTED]"`),
	}
}

func regexRule(name, pattern, replacement string) RedactionRule {
	re := regexp.MustCompile(pattern)
	return RedactionRule{
		Name: name,
		Apply: func(in []byte) ([]byte, bool) {
			if !re.Match(in) {
				return in, false
			}
			return re.ReplaceAll(in, []byte(replacement)), true
		},
	}
}
