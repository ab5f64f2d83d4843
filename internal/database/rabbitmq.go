package database

import (
	"ticket-rush/config"

	amqp "github.com/rabbitmq/amqp091-go"
)

// InitRabbitMQ 建立 broker 連線；channel 由各 publisher / consumer 自行開啟
func InitRabbitMQ(config *config.RabbitMQConfig) (*amqp.Connection, error) {
	return amqp.Dial(config.URL)
}
