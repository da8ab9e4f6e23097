package policy

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/cedar-policy/cedar-go"

	"github.com/TroyNeubauer/duo-enforcer/pkg/verdict"
)

// Cedar entity types and actions used by the synthesized policies.
const (
	entityPrincipal = cedar.EntityType("Principal")
	entityResource  = cedar.EntityType("Resource")

	// actionAuthenticate is evaluated for every attempt; a forbid match
	// denies without contacting the upstream.
	actionAuthenticate = "authenticate"

	// actionBypass is evaluated after authenticate passes; a permit match
	// allows without contacting the upstream.
	actionBypass = "bypass"
)

// Ruling classifies what the policy set says about one attempt.
type Ruling int

const (
	// RulingAuthenticate means no list matched: the attempt proceeds to
	// the upstream.
	RulingAuthenticate Ruling = iota

	// RulingDeny means a deny rule matched: terminal DENY, no upstream call.
	RulingDeny

	// RulingBypass means a bypass rule matched: terminal ALLOW, no
	// upstream call. An explicit trust decision recorded in policy.
	RulingBypass
)

// ruleKind labels each synthesized policy so a forbid match can be mapped
// back to a reason code.
type ruleKind int

const (
	kindBase ruleKind = iota
	kindDenyList
	kindRequiredFactor
	kindBypassList
	kindCustom
)

// PolicyCheck is the result of evaluating the rule set for one attempt.
type PolicyCheck struct {
	Ruling   Ruling
	Reason   string // verdict reason code for terminal rulings
	PolicyID string // determining Cedar policy, for audit
}

// Authorizer evaluates the compiled Cedar policy set. All bypass/deny and
// required-factor decisions flow through this single component.
type Authorizer struct {
	policies *cedar.PolicySet
	kinds    map[string]ruleKind
	logger   *slog.Logger
}

// NewAuthorizer compiles the config's rule lists (plus the optional
// operator Cedar file) into a policy set. A malformed policy is a
// configuration error: the caller must refuse to enforce.
func NewAuthorizer(cfg *Config, logger *slog.Logger) (*Authorizer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	text, kinds := synthesizePolicies(cfg)

	if cfg.Rules.CedarFile != "" {
		custom, err := os.ReadFile(cfg.Rules.CedarFile)
		if err != nil {
			return nil, fmt.Errorf("reading cedar policy file: %w", err)
		}
		text += "\n" + string(custom)
	}

	ps, err := cedar.NewPolicySetFromBytes("policies.cedar", []byte(text))
	if err != nil {
		return nil, fmt.Errorf("failed to parse policies: %w", err)
	}

	return &Authorizer{policies: ps, kinds: kinds, logger: logger}, nil
}

// synthesizePolicies renders the config's lists as Cedar policy text and
// records each policy's kind by its position-derived ID.
func synthesizePolicies(cfg *Config) (string, map[string]ruleKind) {
	var b strings.Builder
	kinds := make(map[string]ruleKind)
	n := 0
	add := func(kind ruleKind, policy string) {
		b.WriteString(policy)
		b.WriteString("\n")
		kinds[fmt.Sprintf("policy%d", n)] = kind
		n++
	}

	// Authentication is permitted unless a forbid matches; the final
	// verdict still comes from the upstream exchange.
	add(kindBase, `permit (principal, action == Action::"authenticate", resource);`)

	for _, p := range cfg.Rules.DenyPrincipals {
		add(kindDenyList, fmt.Sprintf(`forbid (principal == Principal::%q, action, resource);`, p))
	}
	for _, r := range cfg.Rules.DenyResources {
		add(kindDenyList, fmt.Sprintf(`forbid (principal, action, resource == Resource::%q);`, r))
	}

	for name, rc := range cfg.Resources {
		if len(rc.Factors) == 0 {
			continue
		}
		quoted := make([]string, 0, len(rc.Factors))
		for _, f := range rc.Factors {
			quoted = append(quoted, fmt.Sprintf("%q", f))
		}
		add(kindRequiredFactor, fmt.Sprintf(
			`forbid (principal, action == Action::"authenticate", resource == Resource::%q) unless { [%s].contains(context.factor) };`,
			name, strings.Join(quoted, ", ")))
	}

	for _, p := range cfg.Rules.BypassPrincipals {
		add(kindBypassList, fmt.Sprintf(`permit (principal == Principal::%q, action == Action::"bypass", resource);`, p))
	}
	for _, r := range cfg.Rules.BypassResources {
		add(kindBypassList, fmt.Sprintf(`permit (principal, action == Action::"bypass", resource == Resource::%q);`, r))
	}

	return b.String(), kinds
}

// Check evaluates the rule set for one attempt. It performs no I/O.
func (a *Authorizer) Check(principal, resource string, factor verdict.Factor) PolicyCheck {
	entities := buildEntities(principal, resource)
	context := cedar.NewRecord(cedar.RecordMap{
		"factor": cedar.String(factor.String()),
	})

	authReq := cedar.Request{
		Principal: cedar.NewEntityUID(entityPrincipal, cedar.String(principal)),
		Action:    cedar.NewEntityUID("Action", actionAuthenticate),
		Resource:  cedar.NewEntityUID(entityResource, cedar.String(resource)),
		Context:   context,
	}

	// Bypass is evaluated first so a bypass grant is not rejected by a
	// factor restriction; the factor is irrelevant when no challenge will
	// be issued. Deny-list forbids are action-unconstrained and so still
	// override bypass permits here.
	bypassReq := authReq
	bypassReq.Action = cedar.NewEntityUID("Action", actionBypass)
	decision, diag := cedar.Authorize(a.policies, entities, bypassReq)
	if decision == cedar.Allow {
		policyID := determiningPolicy(diag)
		a.logger.Debug("policy bypass",
			"principal", principal,
			"resource", resource,
			"policy_id", policyID)
		return PolicyCheck{Ruling: RulingBypass, Reason: verdict.ReasonBypassPolicy, PolicyID: policyID}
	}

	decision, diag = cedar.Authorize(a.policies, entities, authReq)
	if decision != cedar.Allow {
		policyID := determiningPolicy(diag)
		reason := verdict.ReasonDenyPolicy
		if a.kinds[policyID] == kindRequiredFactor {
			reason = verdict.ReasonFactorNotPermitted
		}
		a.logger.Debug("policy deny",
			"principal", principal,
			"resource", resource,
			"factor", factor.String(),
			"policy_id", policyID)
		return PolicyCheck{Ruling: RulingDeny, Reason: reason, PolicyID: policyID}
	}

	return PolicyCheck{Ruling: RulingAuthenticate}
}

func buildEntities(principal, resource string) cedar.EntityMap {
	principalUID := cedar.NewEntityUID(entityPrincipal, cedar.String(principal))
	resourceUID := cedar.NewEntityUID(entityResource, cedar.String(resource))
	return cedar.EntityMap{
		principalUID: cedar.Entity{
			UID:        principalUID,
			Parents:    cedar.NewEntityUIDSet(),
			Attributes: cedar.NewRecord(cedar.RecordMap{}),
		},
		resourceUID: cedar.Entity{
			UID:        resourceUID,
			Parents:    cedar.NewEntityUIDSet(),
			Attributes: cedar.NewRecord(cedar.RecordMap{}),
		},
	}
}

func determiningPolicy(diag cedar.Diagnostic) string {
	if len(diag.Reasons) > 0 {
		return string(diag.Reasons[0].PolicyID)
	}
	return ""
}
