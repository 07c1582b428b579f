package allowlist

// Mode is the operating posture scoping which tool categories may run.
type Mode string

const (
	ModeReadOnly     Mode = "read_only"
	ModeStandard     Mode = "standard"
	ModeExtended     Mode = "extended"
	ModeUnrestricted Mode = "unrestricted"
)

// Modes lists all operating modes in ascending permissiveness.
func Modes() []Mode {
	return []Mode{ModeReadOnly, ModeStandard, ModeExtended, ModeUnrestricted}
}

// Category classifies a tool by the kind of effect it can have.
type Category string

const (
	CategoryRead      Category = "read"
	CategoryCompute   Category = "compute"
	CategoryWrite     Category = "write"
	CategoryExecute   Category = "execute"
	CategorySensitive Category = "sensitive"
)

// Rule is a policy outcome from the category-rule table.
type Rule string

const (
	RuleAllow   Rule = "allow"
	RuleConfirm Rule = "confirm"
	RuleBlock   Rule = "block"
)

// categoryRules is the default (mode, category) policy matrix. Per-tool
// BlockedIn/RequiresConfirmationIn overrides are consulted before this
// table.
var categoryRules = map[Mode]map[Category]Rule{
	ModeReadOnly: {
		CategoryRead:      RuleAllow,
		CategoryCompute:   RuleAllow,
		CategoryWrite:     RuleBlock,
		CategoryExecute:   RuleBlock,
		CategorySensitive: RuleBlock,
	},
	ModeStandard: {
		CategoryRead:      RuleAllow,
		CategoryCompute:   RuleAllow,
		CategoryWrite:     RuleConfirm,
		CategoryExecute:   RuleConfirm,
		CategorySensitive: RuleConfirm,
	},
	ModeExtended: {
		CategoryRead:      RuleAllow,
		CategoryCompute:   RuleAllow,
		CategoryWrite:     RuleConfirm,
		CategoryExecute:   RuleConfirm,
		CategorySensitive: RuleConfirm,
	},
	ModeUnrestricted: {
		CategoryRead:      RuleAllow,
		CategoryCompute:   RuleAllow,
		CategoryWrite:     RuleAllow,
		CategoryExecute:   RuleAllow,
		CategorySensitive: RuleAllow,
	},
}

func modes(ms ...Mode) map[Mode]bool {
	set := make(map[Mode]bool, len(ms))
	for _, m := range ms {
		set[m] = true
	}
	return set
}

// defaultTools is the built-in tool registry.
func defaultTools() []ToolConfig {
	read := func(name, desc string) ToolConfig {
		return ToolConfig{Name: name, Category: CategoryRead, Description: desc}
	}
	compute := func(name, desc string) ToolConfig {
		return ToolConfig{Name: name, Category: CategoryCompute, Description: desc}
	}
	return []ToolConfig{
		read("web_search", "search the web"),
		read("web_fetch", "fetch a web page"),
		read("file_read", "read a local file"),
		read("arxiv_search", "search arXiv preprints"),
		read("semantic_scholar", "search Semantic Scholar"),

		compute("summarize", "summarize content"),
		compute("analyze", "analyze content"),
		compute("extract", "extract structured data"),

		{
			Name: "file_write", Category: CategoryWrite,
			Description:            "write a local file",
			RequiresConfirmationIn: modes(ModeStandard, ModeExtended),
			BlockedIn:              modes(ModeReadOnly),
		},
		{
			Name: "api_call", Category: CategoryWrite,
			Description:            "call an external API",
			RequiresConfirmationIn: modes(ModeStandard, ModeExtended),
			BlockedIn:              modes(ModeReadOnly),
		},
		{
			Name: "code_execute", Category: CategoryExecute,
			Description:            "execute generated code in a sandbox",
			RequiresConfirmationIn: modes(ModeStandard, ModeExtended),
			BlockedIn:              modes(ModeReadOnly),
		},
		{
			// Stricter than code_execute: no sandbox, so standard mode
			// blocks it outright.
			Name: "shell_command", Category: CategoryExecute,
			Description:            "run a shell command",
			RequiresConfirmationIn: modes(ModeExtended),
			BlockedIn:              modes(ModeReadOnly, ModeStandard),
		},
		{
			Name: "credential_access", Category: CategorySensitive,
			Description:            "access stored credentials",
			RequiresConfirmationIn: modes(ModeStandard, ModeExtended),
			BlockedIn:              modes(ModeReadOnly),
		},
	}
}
