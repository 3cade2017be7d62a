package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleDoc = `<root>
  <name>Deploy pipeline</name>
  <thought>Build, test, then deploy in order.</thought>
  <agents>
    <agent name="builder" id="t1-01">
      <task>Build the artifact</task>
      <nodes>
        <node id="1" status="todo">Run the build command</node>
      </nodes>
    </agent>
    <agent name="deployer" id="t1-02" dependsOn="t1-01">
      <task>Deploy the artifact</task>
      <nodes>
        <forEach id="1" items="us-east,us-west">
          <node id="2" status="todo">Deploy to region</node>
        </forEach>
        <watch id="3" event="deploy.completed" loop="false">
          <description>Wait for the deploy webhook</description>
          <trigger>
            <node id="4" status="todo">Notify on completion</node>
          </trigger>
        </watch>
      </nodes>
    </agent>
  </agents>
</root>`

func TestParseFinal(t *testing.T) {
	wf, err := ParseFinal("t1", sampleDoc)
	require.NoError(t, err)
	require.False(t, wf.Partial)
	require.Equal(t, "Deploy pipeline", wf.Name)
	require.Len(t, wf.Agents, 2)

	builder := wf.Agents[0]
	require.Equal(t, "t1-01", builder.ID)
	require.Empty(t, builder.DependsOn)
	require.Len(t, builder.Nodes, 1)
	require.Equal(t, NodeStep, builder.Nodes[0].Kind)

	deployer := wf.Agents[1]
	require.Equal(t, []string{"t1-01"}, deployer.DependsOn)
	require.Len(t, deployer.Nodes, 2)
	require.Equal(t, NodeForEach, deployer.Nodes[0].Kind)
	require.Equal(t, "us-east,us-west", deployer.Nodes[0].Items)
	require.Len(t, deployer.Nodes[0].Children, 1)
	require.Equal(t, NodeWatch, deployer.Nodes[1].Kind)
	require.Equal(t, "deploy.completed", deployer.Nodes[1].Event)
	require.Len(t, deployer.Nodes[1].Children, 1)

	require.NoError(t, wf.Validate())
}

func TestParseFinal_EmptyInput(t *testing.T) {
	wf, err := ParseFinal("t2", "")
	require.NoError(t, err)
	require.Empty(t, wf.Agents)
	require.False(t, wf.Partial)
}

func TestParseFinal_Malformed(t *testing.T) {
	_, err := ParseFinal("t3", "<root><agents><agent id=\"broken\">")
	require.Error(t, err)
	var malformed *MalformedError
	require.ErrorAs(t, err, &malformed)
}

func TestParseStreamPrefix_AutoClosesOpenTags(t *testing.T) {
	prefix := `<root>
  <name>Deploy pipeline</name>
  <agents>
    <agent name="builder" id="t1-01">
      <task>Build the artifact</task>
      <nodes>
        <node id="1" status="todo">Run the build`

	wf, err := ParseStreamPrefix("t1", prefix)
	require.NoError(t, err)
	require.True(t, wf.Partial)
	require.Len(t, wf.Agents, 1)
	require.Equal(t, "t1-01", wf.Agents[0].ID)
}

func TestAutoClose_SelfClosingTagsIgnored(t *testing.T) {
	out := autoClose(`<root><agents><agent id="a"/><agent id="b">`)
	require.Equal(t, `<root><agents><agent id="a"/><agent id="b"></agent></agents></root>`, out)
}

func TestSerialize_RoundTrip(t *testing.T) {
	wf, err := ParseFinal("t1", sampleDoc)
	require.NoError(t, err)

	reSerialized := "<root><agents>"
	for _, a := range wf.Agents {
		reSerialized += Serialize(a)
	}
	reSerialized += "</agents></root>"

	wf2, err := parse("t1", reSerialized)
	require.NoError(t, err)
	require.Len(t, wf2.Agents, len(wf.Agents))
	for i := range wf.Agents {
		require.Equal(t, wf.Agents[i].ID, wf2.Agents[i].ID)
		require.Equal(t, wf.Agents[i].DependsOn, wf2.Agents[i].DependsOn)
		require.Equal(t, len(wf.Agents[i].Nodes), len(wf2.Agents[i].Nodes))
	}
}

func TestNodeIDsAssignedWhenMissing(t *testing.T) {
	doc := `<root><agents><agent name="a" id="x-01"><task>t</task><nodes>
		<node status="todo">first</node>
		<node status="todo">second</node>
	</nodes></agent></agents></root>`
	wf, err := ParseFinal("x", doc)
	require.NoError(t, err)
	require.Equal(t, 1, wf.Agents[0].Nodes[0].ID)
	require.Equal(t, 2, wf.Agents[0].Nodes[1].ID)
}

func TestAgentID(t *testing.T) {
	require.Equal(t, "abc123-01", AgentID("abc123", 0))
	require.Equal(t, "abc123-12", AgentID("abc123", 11))
}
