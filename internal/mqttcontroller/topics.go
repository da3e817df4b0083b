package mqttcontroller

import "fmt"

// Topic shapes are an explicit Open Question in SPEC_FULL.md (§C3): the
// real Anycubic MQTT protocol must be observed from firmware/traffic,
// not invented, and that observation was out of reach here. These are
// placeholder shapes isolated to this one file so swapping in the real
// protocol later only touches topics.go, not the controller logic built
// on top of it.

func cmdTopic(deviceID, modelCode string) string {
	return fmt.Sprintf("anycubic/%s/%s/camera/cmd", deviceID, modelCode)
}

func ackTopic(deviceID, modelCode string) string {
	return fmt.Sprintf("anycubic/%s/%s/camera/ack", deviceID, modelCode)
}

func ledCmdTopic(deviceID, modelCode string) string {
	return fmt.Sprintf("anycubic/%s/%s/led/cmd", deviceID, modelCode)
}

func ledAckTopic(deviceID, modelCode string) string {
	return fmt.Sprintf("anycubic/%s/%s/led/ack", deviceID, modelCode)
}

func stateTopic(deviceID, modelCode string) string {
	return fmt.Sprintf("anycubic/%s/%s/state", deviceID, modelCode)
}

// allTopics returns a printer's two ack topics and its state topic.
// SubscribeAll subscribes to the ack topics only; the state topic is
// covered by the wildcard subscription made in Connect.
func allTopics(deviceID, modelCode string) []string {
	return []string{
		ackTopic(deviceID, modelCode),
		ledAckTopic(deviceID, modelCode),
		stateTopic(deviceID, modelCode),
	}
}
