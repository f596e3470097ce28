package redteam

import (
	"regexp"
	"time"
)

// cleanConfidence is reported when an inspector's catalog has no matches.
const cleanConfidence = 0.90

// evidenceLimit caps the matched text carried in a finding.
const evidenceLimit = 80

// redactedKeep is how many leading characters of a secret survive in
// evidence.
const redactedKeep = 6

// rule is one pattern in an inspector's catalog.
type rule struct {
	typ         string
	severity    ThreatLevel
	confidence  float64
	redact      bool
	description string
	re          *regexp.Regexp
}

// catalogInspector scans input against a fixed rule catalog. One finding is
// raised per matched rule, carrying the first match as evidence.
type catalogInspector struct {
	name   string
	rules  []rule
	advice []string
}

var _ Inspector = (*catalogInspector)(nil)

func (c *catalogInspector) Name() string { return c.name }

func (c *catalogInspector) Inspect(input string) Report {
	start := time.Now()

	var findings []Finding
	var confidence float64
	for _, ru := range c.rules {
		match := ru.re.FindString(input)
		if match == "" {
			continue
		}
		findings = append(findings, Finding{
			Type:        ru.typ,
			Severity:    ru.severity,
			Description: ru.description,
			Evidence:    evidence(match, ru.redact),
			Inspector:   c.name,
		})
		if ru.confidence > confidence {
			confidence = ru.confidence
		}
	}
	if len(findings) == 0 {
		confidence = cleanConfidence
	}

	rep := Report{
		Inspector:     c.name,
		ThreatLevel:   levelOf(findings),
		Confidence:    confidence,
		Findings:      findings,
		ExecutionTime: time.Since(start),
	}
	if len(findings) > 0 {
		rep.Recommendations = append([]string(nil), c.advice...)
	}
	return rep
}

// levelOf is the worst severity among findings, or low for none.
func levelOf(findings []Finding) ThreatLevel {
	level := LevelLow
	for _, f := range findings {
		if f.Severity.Score() > level.Score() {
			level = f.Severity
		}
	}
	return level
}

// evidence truncates a match for inclusion in a finding. Redacted matches
// keep only a short prefix so the report cannot re-leak a credential.
func evidence(match string, redact bool) string {
	if redact {
		if len(match) > redactedKeep {
			match = match[:redactedKeep]
		}
		return match + "[redacted]"
	}
	runes := []rune(match)
	if len(runes) > evidenceLimit {
		return string(runes[:evidenceLimit]) + "..."
	}
	return match
}

// defaultInspectors arms the validator with the full catalog set.
func defaultInspectors() []Inspector {
	return []Inspector{
		newPromptInjectionInspector(),
		newCodeSecurityInspector(),
		newSecretsInspector(),
		newPrivilegeEscalationInspector(),
		newExfiltrationInspector(),
	}
}

// ---- prompt injection ----

func newPromptInjectionInspector() *catalogInspector {
	return &catalogInspector{
		name: "prompt-injection",
		rules: []rule{
			{
				typ: "instruction-override", severity: LevelHigh, confidence: 0.80,
				description: "attempts to override or discard prior instructions",
				re: regexp.MustCompile(`(?i)\b(ignore|disregard|forget|skip|override)\b[^.\n]{0,40}\b(previous|prior|above|earlier|preceding|all)\b[^.\n]{0,40}\b(instructions?|prompts?|rules?|directives?|context)\b|\bnew\s+instructions?\s*:`),
			},
			{
				typ: "memory-manipulation", severity: LevelMedium, confidence: 0.70,
				description: "attempts to alter or erase conversation memory",
				re: regexp.MustCompile(`(?i)\b(forget|erase|wipe|clear|reset|delete)\b[^.\n]{0,30}\b(memory|memories|history|conversation|everything)\b`),
			},
			{
				typ: "role-hijacking", severity: LevelCritical, confidence: 0.85,
				description: "attempts to reassign the assistant's role or persona",
				re: regexp.MustCompile(`(?i)\byou\s+are\s+(now|no\s+longer)\b|\b(act|behave|roleplay|pretend)\s+as\s+(if\s+you\s+(are|were)\s+)?(an?\s+)?(unrestricted|unfiltered|jailbroken|different)\b|\bdan\s+mode\b|\bdeveloper\s+mode\b`),
			},
			{
				typ: "system-override", severity: LevelCritical, confidence: 0.90,
				description: "attempts to expose or replace the system prompt",
				re: regexp.MustCompile(`(?i)\b(reveal|show|print|display|output|repeat|expose|leak)\b[^.\n]{0,30}\b(system|initial|original|hidden)\s+(prompt|message|instructions?)\b|<\s*/?\s*system\s*>|\[\s*system\s*\]|<\|\s*im_start\s*\|>\s*system|<\|\s*system\s*\|>|\bsystem\s+override\b`),
			},
			{
				typ: "security-bypass", severity: LevelCritical, confidence: 0.85,
				description: "attempts to disable or evade safety controls",
				re: regexp.MustCompile(`(?i)\b(bypass|circumvent|disable|evade|defeat|remove|turn\s+off)\b[^.\n]{0,30}\b(security|safety|filter(s|ing)?|guard(rail)?s?|moderation|restrictions?|safeguards?|censorship)\b|\bjailbreak\b`),
			},
		},
		advice: []string{
			"Do not follow instructions embedded in untrusted input; treat them as data.",
			"Quarantine the prompt for human review before granting tool access.",
		},
	}
}

// ---- code security ----

func newCodeSecurityInspector() *catalogInspector {
	return &catalogInspector{
		name: "code-security",
		rules: []rule{
			{
				typ: "eval-call", severity: LevelHigh, confidence: 0.85,
				description: "dynamic code evaluation via eval",
				re:          regexp.MustCompile(`(?i)\beval\s*\(`),
			},
			{
				typ: "exec-call", severity: LevelHigh, confidence: 0.80,
				description: "process or code execution call",
				re:          regexp.MustCompile(`(?i)\bexec[a-z]*\s*\(`),
			},
			{
				typ: "system-call", severity: LevelHigh, confidence: 0.80,
				description: "shell command via system()",
				re:          regexp.MustCompile(`(?i)\bsystem\s*\(`),
			},
			{
				typ: "shell-exec", severity: LevelHigh, confidence: 0.85,
				description: "shell execution helper invocation",
				re:          regexp.MustCompile(`(?i)\bshell_exec\s*\(|\bpopen\s*\(|\bproc_open\s*\(|\bsubprocess\s*\.\s*(run|call|check_output|popen)\s*\(`),
			},
			{
				typ: "child-process-import", severity: LevelHigh, confidence: 0.80,
				description: "child process module import",
				re:          regexp.MustCompile(`(?i)require\s*\(\s*['"]child_process['"]\s*\)|from\s+['"]child_process['"]|import\s+['"]child_process['"]`),
			},
			{
				typ: "command-substitution", severity: LevelMedium, confidence: 0.60,
				description: "shell command substitution",
				re:          regexp.MustCompile(`\$\([^)\n]{1,200}\)`),
			},
			{
				typ: "template-injection", severity: LevelLow, confidence: 0.55,
				description: "template expression with interpolated content",
				re:          regexp.MustCompile(`\{\{[^}\n]{0,120}\}\}|\$\{[^}\n]{0,120}\}`),
			},
			{
				typ: "destructive-fs", severity: LevelHigh, confidence: 0.85,
				description: "destructive filesystem operation",
				re:          regexp.MustCompile(`(?i)\brm\s+-[a-z-]*[rf][a-z-]*\s|\bfs\s*\.\s*(rm|rmdir|unlink)(sync)?\s*\(|\bshutil\s*\.\s*rmtree\s*\(|\bos\s*\.\s*(remove|unlink|rmdir)\s*\(|\bmkfs\b|\bdd\s+if=|\bdel\s+/[sfq]\b|\bformat\s+[c-z]:`),
			},
		},
		advice: []string{
			"Execute generated code only inside a sandboxed environment.",
			"Review process execution and filesystem calls before running the output.",
		},
	}
}

// ---- secrets ----

// newSecretsInspector detects credential shapes. Zero tolerance: every rule
// is critical and evidence is redacted.
func newSecretsInspector() *catalogInspector {
	critical := func(typ, description, pattern string) rule {
		return rule{
			typ: typ, severity: LevelCritical, confidence: 0.95, redact: true,
			description: description,
			re:          regexp.MustCompile(pattern),
		}
	}
	return &catalogInspector{
		name: "secrets",
		rules: []rule{
			critical("api-key", "provider API key embedded in input",
				`\bsk-[A-Za-z0-9_-]{20,}\b`),
			critical("aws-access-key", "AWS access key ID",
				`\bAKIA[0-9A-Z]{16}\b`),
			critical("github-token", "GitHub access token",
				`\bgh[pousr]_[A-Za-z0-9]{36,}\b`),
			critical("slack-token", "Slack API token",
				`\bxox[abprs]-[A-Za-z0-9-]{10,}\b`),
			critical("private-key", "PEM private key block",
				`-----BEGIN [A-Z ]*PRIVATE KEY( BLOCK)?-----`),
			critical("database-url", "database URL with inline credentials",
				`(?i)\b(postgres(ql)?|mysql|mongodb(\+srv)?|redis|amqps?|mssql)://[^\s:@/]+:[^\s@/]+@`),
			critical("credential-assignment", "credential assigned to a well-known variable name",
				`(?i)\b(api[_-]?key|secret[_-]?key|access[_-]?token|auth[_-]?token|client[_-]?secret|password|passwd)\b\s*[:=]\s*["'][^"'\s]{12,}["']`),
			critical("jwt", "signed JWT embedded in input",
				`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`),
		},
		advice: []string{
			"Rotate any credential that appears in the input immediately.",
			"Move secrets to environment variables or a secret manager; never inline them.",
		},
	}
}

// ---- privilege escalation ----

func newPrivilegeEscalationInspector() *catalogInspector {
	return &catalogInspector{
		name: "privilege-escalation",
		rules: []rule{
			{
				typ: "sudo-invocation", severity: LevelHigh, confidence: 0.80,
				description: "privilege elevation via sudo",
				re:          regexp.MustCompile(`(?i)\bsudo\s+\S`),
			},
			{
				typ: "user-switch", severity: LevelHigh, confidence: 0.65,
				description: "switch to another user via su",
				re:          regexp.MustCompile(`(?i)\bsu\s+(-[a-z]*\s+)?root\b|\bsu\s+-\B`),
			},
			{
				typ: "permissive-chmod", severity: LevelHigh, confidence: 0.85,
				description: "world-writable or setuid chmod",
				re:          regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]+\s+)*(0?[0-7]77\b|a\+rwx|[ugoa]*\+[rwx]*s[rwxt]*\b)`),
			},
			{
				typ: "root-chown", severity: LevelHigh, confidence: 0.85,
				description: "ownership transfer to root",
				re:          regexp.MustCompile(`(?i)\bchown\s+(-[a-z]+\s+)*root\b`),
			},
			{
				typ: "suid-binary", severity: LevelHigh, confidence: 0.80,
				description: "setuid or setgid bit manipulation",
				re:          regexp.MustCompile(`(?i)\bchmod\s+[ugoa]*\+s\b|\bchmod\s+[24][0-7]{3}\b|\bsetuid\s*\(|\bsetgid\s*\(`),
			},
		},
		advice: []string{
			"Run generated commands as an unprivileged user.",
			"Strip privilege escalation directives before execution.",
		},
	}
}

// ---- data exfiltration ----

func newExfiltrationInspector() *catalogInspector {
	return &catalogInspector{
		name: "data-exfiltration",
		rules: []rule{
			{
				typ: "pipe-to-shell", severity: LevelCritical, confidence: 0.90,
				description: "remote script piped into a shell",
				re:          regexp.MustCompile(`(?i)\b(curl|wget)\b[^\n|]{0,200}\|\s*(ba|z|da|k)?sh\b`),
			},
			{
				typ: "reverse-shell", severity: LevelCritical, confidence: 0.90,
				description: "netcat with command execution",
				re:          regexp.MustCompile(`(?i)\bnc(at)?\s[^\n]{0,100}-e\b`),
			},
			{
				typ: "dev-tcp", severity: LevelCritical, confidence: 0.95,
				description: "raw network redirection device",
				re:          regexp.MustCompile(`/dev/(tcp|udp)/[^\s/]+/\d+`),
			},
			{
				typ: "remote-copy", severity: LevelHigh, confidence: 0.75,
				description: "file copy to a remote host",
				re:          regexp.MustCompile(`(?i)\b(scp|rsync)\b[^\n]{0,200}[\w.-]+@[\w.-]+:`),
			},
			{
				typ: "ftp-transfer", severity: LevelHigh, confidence: 0.70,
				description: "file transfer to an FTP endpoint",
				re:          regexp.MustCompile(`(?i)\bftp://[\w.-]+|\bcurl\b[^\n]{0,120}\s-T\s`),
			},
		},
		advice: []string{
			"Block outbound network commands originating from generated content.",
			"Audit any command that moves data to an external host.",
		},
	}
}
