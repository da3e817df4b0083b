package mqttcontroller

import "testing"

func TestTopicShapes(t *testing.T) {
	cases := []struct {
		got, want string
	}{
		{cmdTopic("dev1", "k1"), "anycubic/dev1/k1/camera/cmd"},
		{ackTopic("dev1", "k1"), "anycubic/dev1/k1/camera/ack"},
		{ledCmdTopic("dev1", "k1"), "anycubic/dev1/k1/led/cmd"},
		{ledAckTopic("dev1", "k1"), "anycubic/dev1/k1/led/ack"},
		{stateTopic("dev1", "k1"), "anycubic/dev1/k1/state"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("got %q want %q", c.got, c.want)
		}
	}
}

func TestAllTopicsCoversAckAndState(t *testing.T) {
	topics := allTopics("dev1", "k1")
	if len(topics) != 3 {
		t.Fatalf("expected 3 topics, got %d: %v", len(topics), topics)
	}
}
