package pwgraph

import (
	"fmt"

	"github.com/jfreymuth/pulse/proto"
)

// probePulseDefaults asks the compatibility layer of the server for the default device names
func probePulseDefaults() (string, string, error) {
	client, conn, err := proto.Connect("")
	if err != nil {
		return "", "", fmt.Errorf("establish PulseAudio connection: %w", err)
	}
	defer conn.Close()

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("pwgraph"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		return "", "", fmt.Errorf("set client name: %w", err)
	}

	info := proto.GetServerInfoReply{}
	if err := client.Request(&proto.GetServerInfo{}, &info); err != nil {
		return "", "", fmt.Errorf("get server info: %w", err)
	}

	return info.DefaultSinkName, info.DefaultSourceName, nil
}
