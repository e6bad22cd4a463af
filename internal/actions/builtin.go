package actions

// BuiltinConfig wires the built-in actions to their collaborators.
type BuiltinConfig struct {
	Shell    ShellConfig
	HTTP     HTTPConfig
	LLM      LLMConfig
	Findings FindingStore
}

// RegisterBuiltins registers every built-in action on the registry.
func RegisterBuiltins(r *Registry, cfg BuiltinConfig) error {
	groups := [][]Action{
		ShellActions(cfg.Shell),
		HTTPActions(cfg.HTTP),
		LLMActions(cfg.LLM),
		HumanActions(),
		StateActions(),
		ControlActions(),
	}
	if cfg.Findings != nil {
		groups = append(groups, ReportActions(cfg.Findings))
	}
	for _, group := range groups {
		for _, a := range group {
			if err := r.Register(a); err != nil {
				return err
			}
		}
	}
	return nil
}
