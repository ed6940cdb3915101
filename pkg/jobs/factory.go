package jobs

import (
	"context"
	"fmt"

	"github.com/opst/kjobs/pkg/configs"
	"github.com/opst/kjobs/pkg/definitions"
	xe "github.com/opst/kjobs/pkg/errors"
	"github.com/opst/kjobs/pkg/signer"
	k8s "github.com/opst/kjobs/pkg/workloads/k8s"
)

// Source returns where job definitions come from, as configured.
func Source(conf *configs.Config, client k8s.JobClient) definitions.Source {
	defs := conf.Definitions()
	if cm := defs.ConfigMap(); cm != "" {
		return definitions.ConfigMapSource{Client: client, Namespace: conf.Namespace(), Name: cm}
	}
	return definitions.DirSource{Root: defs.Root(), Names: defs.Names()}
}

// LoadDefinitions loads job definitions and applies queue bindings, as configured.
//
// It is also usable for reloading.
func LoadDefinitions(ctx context.Context, conf *configs.Config, client k8s.JobClient) (*definitions.Registry, error) {
	reg, err := definitions.Load(ctx, Source(conf, client))
	if err != nil {
		return nil, err
	}
	return reg.Bind(conf.Definitions().Bindings())
}

// Build creates a Manager as configured.
//
// Job definitions are loaded eagerly, and any broken one fails the build.
//
// # Returns
//
// - Manager
//
// - *definitions.Holder: holder of loaded definitions, used by the Manager.
// Reloading it changes definitions which the Manager uses.
//
// - error: *errors.ErrConfiguration for misconfiguration.
// Other errors can be returned when it fails to read definitions from the cluster.
func Build(ctx context.Context, conf *configs.Config, client k8s.JobClient, options ...Option) (Manager, *definitions.Holder, error) {
	s, err := signer.New(conf.Signature())
	if err != nil {
		return nil, nil, err
	}

	reg, err := LoadDefinitions(ctx, conf, client)
	if err != nil {
		return nil, nil, err
	}
	if len(reg.Definitions()) == 0 {
		return nil, nil, xe.NewConfiguration(fmt.Sprintf("no job definitions are found in %s", describe(conf)))
	}

	holder := definitions.NewHolder(reg)
	options = append([]Option{WithRetry(conf.Retry())}, options...)
	return New(client, conf.Namespace(), s, holder, conf.Retention(), options...), holder, nil
}

func describe(conf *configs.Config) string {
	if cm := conf.Definitions().ConfigMap(); cm != "" {
		return fmt.Sprintf("configmap %s/%s", conf.Namespace(), cm)
	}
	return conf.Definitions().Root()
}
