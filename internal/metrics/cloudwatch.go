package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"k8s.io/klog/v2"
)

// PutMetricDataAPI is the part of the cloudwatch client the registry uses.
type PutMetricDataAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// we can emit up to 1000 values per PutMetricData
const maxDatumsPerCall = 1000

// NewCloudWatchRegistry creates a new metric registry that will emit values using the specified cloudwatch client
func NewCloudWatchRegistry(cw PutMetricDataAPI) MetricRegistry {
	return &cloudwatchRegistry{
		cw:              cw,
		lock:            &sync.Mutex{},
		dataByNamespace: make(map[string][]*cloudwatchMetricDatum),
	}
}

type cloudwatchRegistry struct {
	cw              PutMetricDataAPI
	lock            *sync.Mutex
	dataByNamespace map[string][]*cloudwatchMetricDatum
}

type cloudwatchMetricDatum struct {
	spec       *MetricSpec
	value      float64
	dimensions map[string]string
	timestamp  time.Time
}

func (r *cloudwatchRegistry) Record(spec *MetricSpec, value float64, dimensions map[string]string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.dataByNamespace[spec.Namespace] = append(r.dataByNamespace[spec.Namespace], &cloudwatchMetricDatum{
		spec:       spec,
		value:      value,
		dimensions: dimensions,
		timestamp:  time.Now(),
	})
}

func (r *cloudwatchRegistry) Emit() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	for namespace, data := range r.dataByNamespace {
		for start := 0; start < len(data); start += maxDatumsPerCall {
			end := min(start+maxDatumsPerCall, len(data))
			metricData := make([]types.MetricDatum, 0, end-start)
			for _, datum := range data[start:end] {
				metricData = append(metricData, types.MetricDatum{
					MetricName: aws.String(datum.spec.Metric),
					Value:      aws.Float64(datum.value),
					Unit:       datum.spec.Unit,
					Dimensions: toDimensions(datum.dimensions),
					Timestamp:  aws.Time(datum.timestamp),
				})
			}
			_, err := r.cw.PutMetricData(context.TODO(), &cloudwatch.PutMetricDataInput{
				Namespace:  aws.String(namespace),
				MetricData: metricData,
			})
			if err != nil {
				return err
			}
		}
		klog.Infof("emitted %d metrics to namespace: %s", len(data), namespace)
	}
	r.dataByNamespace = make(map[string][]*cloudwatchMetricDatum)
	return nil
}

func toDimensions(dims map[string]string) []types.Dimension {
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var dimensions []types.Dimension
	for _, key := range keys {
		dimensions = append(dimensions, types.Dimension{
			Name:  aws.String(key),
			Value: aws.String(dims[key]),
		})
	}
	return dimensions
}

func (r *cloudwatchRegistry) GetRegistered() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	registered := 0
	for _, data := range r.dataByNamespace {
		registered += len(data)
	}
	return registered
}
