package influx

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/openziti/kinetic/util"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	influxCmd.AddCommand(influxLoadCmd)
}

var influxLoadCmd = &cobra.Command{
	Use:   "load <metricsRoot>",
	Short: "Load metrics instrument samples into InfluxDB",
	Args:  cobra.ExactArgs(1),
	Run:   influxLoad,
}

func influxLoad(_ *cobra.Command, args []string) {
	instances, err := discoverInstances(args[0])
	if err != nil {
		logrus.Fatalf("error scanning [%s] (%v)", args[0], err)
	}

	authToken := ""
	if influxDbUsername != "" || influxDbPassword != "" {
		authToken = fmt.Sprintf("%s:%s", influxDbUsername, influxDbPassword)
	}
	client := influxdb2.NewClient(influxDbUrl, authToken)
	defer client.Close()
	writeApi := client.WriteAPI("", influxDbDatabase)

	for id, path := range instances {
		datasets, err := filepath.Glob(filepath.Join(path, "*.csv"))
		if err != nil {
			logrus.Fatalf("error listing datasets for [%s] (%v)", id, err)
		}
		for _, dataset := range datasets {
			name := strings.TrimSuffix(filepath.Base(dataset), ".csv")
			samples, err := util.ReadSamples(dataset)
			if err != nil {
				logrus.Fatalf("error reading dataset [%s] (%v)", dataset, err)
			}
			for _, sample := range samples {
				p := influxdb2.NewPoint(name, map[string]string{"instance": id}, map[string]interface{}{"v": sample.V}, sample.Ts)
				writeApi.WritePoint(p)
			}
			logrus.Infof("wrote [%d] points for instance [%s] dataset [%s]", len(samples), id, name)
		}
	}
	writeApi.Flush()
}

// discoverInstances maps instance ids to the sample directories written by the metrics instrument, which are named
// "<id>_<suffix>".
//
func discoverInstances(root string) (map[string]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read [%s]", root)
	}
	instances := make(map[string]string)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		idx := strings.LastIndex(entry.Name(), "_")
		if idx < 1 {
			continue
		}
		id := entry.Name()[:idx]
		if _, found := instances[id]; found {
			logrus.Warnf("multiple sample directories for [%s], using [%s]", id, entry.Name())
		}
		instances[id] = filepath.Join(root, entry.Name())
	}
	return instances, nil
}
