package kubeutil

import (
	"os"
	"path/filepath"

	xe "github.com/opst/kjobs/pkg/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// DefaultKubeconfig returns the path of kubeconfig used when nothing is specified.
//
// It searches kubeconfig from
//
// - `~/.kube/config`
//
// - environmental variable `KUBECONFIG`
//
// It returns "" when the file is missing, which means in-cluster config.
func DefaultKubeconfig() string {
	kubeconfig := ""

	// priority 1 (least): ~/.kube/config
	if home := homedir.HomeDir(); home != "" {
		kubeconfig = filepath.Join(home, ".kube", "config")
	}

	// priority 2: envvar KUBECONFIG
	if k := os.Getenv("KUBECONFIG"); k != "" {
		kubeconfig = k
	}

	if kubeconfig != "" {
		stat, err := os.Stat(kubeconfig)
		if err != nil || stat.IsDir() {
			return ""
		}
	}
	return kubeconfig
}

// Connect creates *kubernetes.Clientset.
//
// When kubeconfig is empty, it uses in-cluster config.
func Connect(kubeconfig string) (*kubernetes.Clientset, error) {
	var config *rest.Config
	var err error
	if kubeconfig == "" {
		config, err = rest.InClusterConfig()
	} else {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, xe.NewConfigurationCausedBy("cannot load kubernetes client config", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, xe.NewConfigurationCausedBy("cannot create kubernetes client", err)
	}
	return clientset, nil
}
