package gen

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("snowflake",
	fx.Provide(NewNode),
)

// NewNode builds the snowflake ID node. The node number comes from
// SNOWFLAKE_NODE so replicas generate disjoint ID ranges.
func NewNode() (*snowflake.Node, error) {
	nodeID := int64(1)
	if v, ok := os.LookupEnv("SNOWFLAKE_NODE"); ok {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			nodeID = parsed
		}
	}

	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		zap.L().Error("failed to init snowflake node", zap.Int64("node_id", nodeID), zap.Error(err))
		return nil, err
	}

	return node, nil
}
