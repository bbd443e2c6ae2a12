package resolver

import (
	"fmt"
	"maps"

	"github.com/conveyr/conveyr/internal/domain"
)

// ResolveStep returns a deep copy of the step with every template field
// substituted. The original step is never mutated; resolved copies are
// discarded after dispatch so sensitive plaintext does not outlive the
// attempt.
func (r *Resolver) ResolveStep(step *domain.Step) (*domain.Step, error) {
	resolved := *step

	switch step.Type {
	case domain.StepHTTP:
		if step.HTTP == nil {
			return nil, fmt.Errorf("step %q: missing http config", step.ID)
		}
		cfg, err := r.resolveHTTP(step.HTTP)
		if err != nil {
			return nil, err
		}
		resolved.HTTP = cfg
	case domain.StepDatabase:
		if step.Database == nil {
			return nil, fmt.Errorf("step %q: missing database config", step.ID)
		}
		cfg, err := r.resolveDatabase(step.Database)
		if err != nil {
			return nil, err
		}
		resolved.Database = cfg
	case domain.StepFile:
		if step.File == nil {
			return nil, fmt.Errorf("step %q: missing file config", step.ID)
		}
		cfg, err := r.resolveFile(step.File)
		if err != nil {
			return nil, err
		}
		resolved.File = cfg
	case domain.StepSftp:
		if step.Sftp == nil {
			return nil, fmt.Errorf("step %q: missing sftp config", step.ID)
		}
		cfg, err := r.resolveSftp(step.Sftp)
		if err != nil {
			return nil, err
		}
		resolved.Sftp = cfg
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownStepType, step.Type)
	}

	return &resolved, nil
}

func (r *Resolver) resolveHTTP(cfg *domain.HTTPStep) (*domain.HTTPStep, error) {
	out := *cfg
	var err error

	if out.URL, err = r.Resolve(cfg.URL); err != nil {
		return nil, err
	}
	if cfg.Headers != nil {
		out.Headers = make(map[string]string, len(cfg.Headers))
		for k, v := range cfg.Headers {
			rk, err := r.Resolve(k)
			if err != nil {
				return nil, err
			}
			rv, err := r.Resolve(v)
			if err != nil {
				return nil, err
			}
			out.Headers[rk] = rv
		}
	}
	if cfg.Body != nil {
		body, err := r.Resolve(*cfg.Body)
		if err != nil {
			return nil, err
		}
		out.Body = &body
	}
	if cfg.Auth != nil {
		auth := *cfg.Auth
		for _, field := range []*string{
			&auth.Username, &auth.Password, &auth.Token,
			&auth.ClientID, &auth.ClientSecret, &auth.TokenURL,
		} {
			if *field, err = r.Resolve(*field); err != nil {
				return nil, err
			}
		}
		out.Auth = &auth
	}
	return &out, nil
}

func (r *Resolver) resolveDatabase(cfg *domain.DatabaseStep) (*domain.DatabaseStep, error) {
	out := *cfg
	var err error

	if out.ConnectionString, err = r.Resolve(cfg.ConnectionString); err != nil {
		return nil, err
	}
	if out.Query, err = r.Resolve(cfg.Query); err != nil {
		return nil, err
	}
	if out.ProcName, err = r.Resolve(cfg.ProcName); err != nil {
		return nil, err
	}
	if cfg.ProcParams != nil {
		out.ProcParams = make([]string, len(cfg.ProcParams))
		for i, p := range cfg.ProcParams {
			if out.ProcParams[i], err = r.Resolve(p); err != nil {
				return nil, err
			}
		}
	}
	return &out, nil
}

func (r *Resolver) resolveFile(cfg *domain.FileStep) (*domain.FileStep, error) {
	out := *cfg
	var err error

	if out.SourcePath, err = r.Resolve(cfg.SourcePath); err != nil {
		return nil, err
	}
	if out.DestPath, err = r.Resolve(cfg.DestPath); err != nil {
		return nil, err
	}
	if cfg.Options != nil {
		out.Options = maps.Clone(cfg.Options)
		for k, v := range out.Options {
			if out.Options[k], err = r.Resolve(v); err != nil {
				return nil, err
			}
		}
	}
	return &out, nil
}

func (r *Resolver) resolveSftp(cfg *domain.SftpStep) (*domain.SftpStep, error) {
	out := *cfg
	var err error

	for _, field := range []*string{
		&out.Host, &out.Username, &out.Password, &out.KeyPath,
		&out.RemotePath, &out.LocalPath,
	} {
		if *field, err = r.Resolve(*field); err != nil {
			return nil, err
		}
	}
	return &out, nil
}
