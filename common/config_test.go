// Copyright 2022 The forumhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"bytes"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestConfigLoading(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Nil(cfg.NATS)
		assert.Equal(time.Second, cfg.ConnectionClasses.Chat.HeartbeatIntervalDuration())
		assert.Equal(time.Second*5, cfg.ConnectionClasses.Chat.HeartbeatTimeoutDuration())
		assert.Equal(time.Second*30, cfg.ConnectionClasses.Notification.HeartbeatTimeoutDuration())
		assert.Equal("X-Forum-Identity", cfg.Server.Websocket.IdentityHeader)
	}

	// Case 2: load the NATS ingest configs
	{
		var cfg SystemConfig
		InstallDefaultNATSConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		if assert.NotNil(cfg.NATS) {
			assert.Equal("forum.dispatch", cfg.NATS.Subject)
			assert.Equal(-1, cfg.NATS.Reconnect.MaxAttempts)
		}
	}

	// Case 3: invalid config
	{
		config := []byte(`---
server:
  api_server:
    server_config:
      listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: heartbeat timeout must exceed the interval
	{
		config := []byte(`---
connection_classes:
  chat:
    heartbeat_interval_sec: 10
    heartbeat_timeout_sec: 5`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 5: valid override
	{
		config := []byte(`---
connection_classes:
  notification:
    heartbeat_interval_sec: 10
    heartbeat_timeout_sec: 60
    outbound_queue_size: 8`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal(8, cfg.ConnectionClasses.Notification.OutboundQueueSize)
		assert.Equal(time.Second*60, cfg.ConnectionClasses.Notification.HeartbeatTimeoutDuration())
	}
}
