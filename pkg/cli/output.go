package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/nicktill/tinyfarm/pkg/sensor"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(true)
	table.SetHeader(header)
	return table
}

func itoa(n int) string { return strconv.Itoa(n) }

// selectSensors resolves --sensor-id, or every active sensor of the farm
// when none are given. Farm 0 means all farms.
func selectSensors(r *sensor.Registry, ids []string, farm int) ([]sensor.Sensor, error) {
	if len(ids) == 0 {
		sensors := r.List(sensor.Filter{Farm: farm, ActiveOnly: true})
		if len(sensors) == 0 {
			return nil, fmt.Errorf("no active sensors found for farm %d", farm)
		}
		return sensors, nil
	}

	sensors := make([]sensor.Sensor, 0, len(ids))
	for _, id := range ids {
		sn, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		sensors = append(sensors, sn)
	}
	return sensors, nil
}

func sensorIDs(sensors []sensor.Sensor) []string {
	out := make([]string, len(sensors))
	for i, sn := range sensors {
		out[i] = sn.ID
	}
	return out
}
